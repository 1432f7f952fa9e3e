package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatgw/internal/dispatch"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/router"
	"github.com/eldtechnologies/chatgw/internal/snowflake"
)

type delivery struct {
	frame *protocol.Frame
	ids   []int64
}

// fakeDeliverer treats users in online as connected.
type fakeDeliverer struct {
	mu     sync.Mutex
	online map[int64]bool
	calls  []delivery
}

func (d *fakeDeliverer) DeliverLocal(_ context.Context, f *protocol.Frame, ids []int64) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, delivery{frame: f, ids: ids})
	var res dispatch.Result
	for _, id := range ids {
		if d.online[id] {
			res.Local++
		} else {
			res.Offline = append(res.Offline, id)
		}
	}
	return res
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestHandler(t *testing.T, online ...int64) (*Handler, *fakeDeliverer) {
	t.Helper()
	gen, err := snowflake.New(1, 1)
	require.NoError(t, err)
	d := &fakeDeliverer{online: make(map[int64]bool)}
	for _, id := range online {
		d.online[id] = true
	}
	h := NewHandler(d, gen, map[string]Pinger{"redis": pinger{}},
		Addresses{TCP: "10.0.0.1:9000", Admin: "10.0.0.1:8080"}, zerolog.Nop())
	return h, d
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) router.Result {
	t.Helper()
	var res router.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func TestPushSync(t *testing.T) {
	h, d := newTestHandler(t, 7)

	rec := httptest.NewRecorder()
	h.PushSync(rec, httptest.NewRequest(http.MethodGet, "/admin/pushSync?id=7&table=contacts", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)

	require.Len(t, d.calls, 1)
	f := d.calls[0].frame
	assert.Equal(t, protocol.MakeType(protocol.OrderSync, protocol.ContentText), f.Type)
	assert.Equal(t, []byte("contacts"), f.Body)
	assert.Equal(t, uint32(len("contacts")), f.Length)
	assert.Positive(t, f.IdentityID)
	assert.Equal(t, int64(1), snowflake.WorkerID(f.IdentityID))
	assert.Equal(t, []int64{7}, d.calls[0].ids)
}

func TestPushSyncOffline(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.PushSync(rec, httptest.NewRequest(http.MethodGet, "/admin/pushSync?id=7&table=contacts", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "recipient offline", res.Error)
}

func TestPushSyncValidation(t *testing.T) {
	h, d := newTestHandler(t, 7)

	tests := []struct {
		name string
		url  string
	}{
		{"missing id", "/admin/pushSync?table=contacts"},
		{"bad id", "/admin/pushSync?id=abc&table=contacts"},
		{"negative id", "/admin/pushSync?id=-3&table=contacts"},
		{"missing table", "/admin/pushSync?id=7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.PushSync(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, d.calls)
}

func TestPushSyncBatch(t *testing.T) {
	h, d := newTestHandler(t, 1, 3)

	rec := httptest.NewRecorder()
	h.PushSyncBatch(rec, httptest.NewRequest(http.MethodGet, "/admin/pushSyncBatch?ids=1,2&ids=3&ids=1&table=groups", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)
	require.Len(t, d.calls, 1)
	assert.Equal(t, []int64{1, 2, 3}, d.calls[0].ids)

	rec = httptest.NewRecorder()
	h.PushSyncBatch(rec, httptest.NewRequest(http.MethodGet, "/admin/pushSyncBatch?ids=1,x&table=groups", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSend(t *testing.T) {
	h, d := newTestHandler(t, 2)

	msg := models.ChatMessage{
		ConversationID: 42,
		MessageID:      9,
		SenderID:       1,
		ContentType:    protocol.ContentText,
		Content:        []byte("hi"),
		CreatedAt:      time.UnixMilli(1700000000000).UTC(),
	}
	body, err := json.Marshal(models.SendRequest{IDs: []int64{2, 4}, Message: msg})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/send", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	h.Send(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)

	require.Len(t, d.calls, 1)
	f := d.calls[0].frame
	assert.Equal(t, protocol.MakeType(protocol.OrderMessage, protocol.ContentText), f.Type)
	assert.Equal(t, int64(9), f.MessageID)
	assert.Equal(t, int64(1), f.SenderID)
	assert.Equal(t, int64(1700000000000), f.Timestamp)
	assert.Equal(t, []byte("hi"), f.Body)
}

func TestSendRejectsBadBodies(t *testing.T) {
	h, d := newTestHandler(t, 2)

	for name, body := range map[string]string{
		"not json":   "{",
		"no ids":     `{"ids":[],"message":{"conversation_id":"1","message_id":"1"}}`,
		"no message": `{"ids":[2],"message":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Send(rec, httptest.NewRequest(http.MethodPost, "/admin/send", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, d.calls)
}

func TestGatewayAddr(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.GatewayAddr(rec, httptest.NewRequest(http.MethodGet, "/api/gateway/addr", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tcp":"10.0.0.1:9000","admin":"10.0.0.1:8080"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	gen, err := snowflake.New(0, 0)
	require.NoError(t, err)

	t.Run("healthy", func(t *testing.T) {
		h := NewHandler(&fakeDeliverer{}, gen, map[string]Pinger{"redis": pinger{}, "store": pinger{}}, Addresses{}, zerolog.Nop())
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "pass", resp.Checks["store"].Status)
	})

	t.Run("degraded", func(t *testing.T) {
		h := NewHandler(&fakeDeliverer{}, gen, map[string]Pinger{"redis": pinger{err: errors.New("down")}, "store": nil}, Addresses{}, zerolog.Nop())
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "connection failed", resp.Checks["redis"].Message)
		assert.Equal(t, "not configured", resp.Checks["store"].Message)
	})
}
