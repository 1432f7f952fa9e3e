package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/dispatch"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/router"
)

// Deliverer writes frames to users connected to this node.
type Deliverer interface {
	DeliverLocal(ctx context.Context, f *protocol.Frame, recipients []int64) dispatch.Result
}

// IDGenerator stamps server-originated frames.
type IDGenerator interface {
	NextID() (int64, error)
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Addresses are this node's advertised endpoints.
type Addresses struct {
	TCP   string `json:"tcp"`
	Admin string `json:"admin"`
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	deliver Deliverer
	ids     IDGenerator
	checks  map[string]Pinger
	addrs   Addresses
	logger  zerolog.Logger
}

// NewHandler creates a Handler. checks names the dependencies reported by
// /health; a nil Pinger is reported as not configured.
func NewHandler(deliver Deliverer, ids IDGenerator, checks map[string]Pinger, addrs Addresses, logger zerolog.Logger) *Handler {
	return &Handler{
		deliver: deliver,
		ids:     ids,
		checks:  checks,
		addrs:   addrs,
		logger:  logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Outcome answers a delivery request in the shape peers expect.
func (h *Handler) Outcome(w http.ResponseWriter, delivered bool) {
	if !delivered {
		h.JSON(w, http.StatusOK, router.Result{Success: false, Error: "recipient offline"})
		return
	}
	h.JSON(w, http.StatusOK, router.Result{Success: true})
}
