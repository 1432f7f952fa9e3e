package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
)

// AdminTokenHeader carries the shared admin token between nodes.
const AdminTokenHeader = "X-Admin-Token"

const maxConcurrentForwards = 8

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Locator resolves users to node addresses.
type Locator interface {
	Lookup(ctx context.Context, userIDs []int64) (map[int64]string, error)
	LocalAddr() string
	Invalidate(userID int64)
}

// Result is the body every admin endpoint answers with.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Forwarder delivers messages to users connected to other nodes by calling
// their admin send endpoint. Delivery is best effort.
type Forwarder struct {
	locator    Locator
	adminToken string
	client     *http.Client
	logger     zerolog.Logger
}

// NewForwarder creates a forwarder. A nil client uses a 5s-timeout default.
func NewForwarder(locator Locator, adminToken string, client *http.Client, logger zerolog.Logger) *Forwarder {
	if client == nil {
		client = httpClient
	}
	return &Forwarder{
		locator:    locator,
		adminToken: adminToken,
		client:     client,
		logger:     logger.With().Str("component", "forwarder").Logger(),
	}
}

// Forward sends msg to every user in userIDs that is routed to another
// node, one request per node. Users without a route, or routed to this
// node, are skipped. It returns how many users were accepted by a peer.
// Routes of users a peer did not accept are dropped from the local cache.
func (f *Forwarder) Forward(ctx context.Context, msg *models.ChatMessage, userIDs []int64) int {
	if len(userIDs) == 0 {
		return 0
	}
	routes, err := f.locator.Lookup(ctx, userIDs)
	if err != nil {
		f.logger.Error().Err(err).Msg("route lookup failed")
		metrics.RouterForwards.WithLabelValues("lookup_error").Inc()
		// partial results are still worth delivering
	}

	local := f.locator.LocalAddr()
	groups := make(map[string][]int64)
	for _, id := range userIDs {
		addr, ok := routes[id]
		if !ok || addr == local {
			continue
		}
		groups[addr] = append(groups[addr], id)
	}
	if len(groups) == 0 {
		return 0
	}

	type outcome struct{ n int }
	results := make(chan outcome, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentForwards)
	for addr, ids := range groups {
		addr, ids := addr, ids
		g.Go(func() error {
			if err := f.send(gctx, addr, ids, msg); err != nil {
				metrics.RouterForwards.WithLabelValues("failed").Inc()
				for _, id := range ids {
					f.locator.Invalidate(id)
				}
				f.logger.Warn().
					Err(err).
					Str("peer", addr).
					Int("recipients", len(ids)).
					Int64("message_id", msg.MessageID).
					Msg("forward failed")
				return nil
			}
			metrics.RouterForwards.WithLabelValues("ok").Inc()
			results <- outcome{n: len(ids)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	delivered := 0
	for r := range results {
		delivered += r.n
	}
	return delivered
}

func (f *Forwarder) send(ctx context.Context, addr string, ids []int64, msg *models.ChatMessage) error {
	body, err := json.Marshal(models.SendRequest{IDs: ids, Message: *msg})
	if err != nil {
		return err
	}
	url := "http://" + addr + "/admin/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.adminToken != "" {
		req.Header.Set(AdminTokenHeader, f.adminToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("peer %s: %s", addr, res.Error)
	}
	return nil
}
