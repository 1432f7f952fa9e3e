package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/protocol"
)

// maxBatchIDs bounds pushSyncBatch and send fan-out per request.
const maxBatchIDs = 1000

// PushSync handles GET /admin/pushSync?id=&table=. It tells one connected
// user that table changed and should be re-synced.
func (h *Handler) PushSync(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		h.Error(w, http.StatusBadRequest, "invalid id")
		return
	}
	h.pushSync(w, r, []int64{id})
}

// PushSyncBatch handles GET /admin/pushSyncBatch?ids=&table=. ids may be
// repeated or comma separated.
func (h *Handler) PushSyncBatch(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDs(r.URL.Query()["ids"])
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid ids")
		return
	}
	h.pushSync(w, r, ids)
}

func (h *Handler) pushSync(w http.ResponseWriter, r *http.Request, ids []int64) {
	table := strings.TrimSpace(r.URL.Query().Get("table"))
	if table == "" {
		h.Error(w, http.StatusBadRequest, "missing table")
		return
	}

	f, err := h.serverFrame(protocol.OrderSync, protocol.ContentText, []byte(table))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to stamp sync frame")
		h.Error(w, http.StatusInternalServerError, "id generation failed")
		return
	}

	res := h.deliver.DeliverLocal(r.Context(), f, ids)
	h.logger.Debug().
		Str("table", table).
		Int("recipients", len(ids)).
		Int("offline", len(res.Offline)).
		Msg("sync pushed")
	h.Outcome(w, res.Local+res.Retrying > 0)
}

// Send handles POST /admin/send, the endpoint peers forward messages to.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchIDs {
		h.Error(w, http.StatusBadRequest, "ids must list 1 to 1000 users")
		return
	}
	if req.Message.ConversationID == 0 || req.Message.MessageID == 0 {
		h.Error(w, http.StatusBadRequest, "message is missing its conversation or id")
		return
	}

	res := h.deliver.DeliverLocal(r.Context(), req.Message.ToFrame(), req.IDs)
	if len(res.Offline) > 0 {
		// the sending node's route cache was stale for these users
		h.logger.Debug().
			Ints64("offline", res.Offline).
			Int64("message_id", req.Message.MessageID).
			Msg("forwarded recipients not connected here")
	}
	h.Outcome(w, res.Local+res.Retrying > 0)
}

// GatewayAddr handles GET /api/gateway/addr.
func (h *Handler) GatewayAddr(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.addrs)
}

// serverFrame builds a frame that originates here rather than answering a
// client, stamped with a fresh snowflake identity.
func (h *Handler) serverFrame(order, content uint32, body []byte) (*protocol.Frame, error) {
	id, err := h.ids.NextID()
	if err != nil {
		return nil, err
	}
	f := protocol.New(order, content, body)
	f.IdentityID = id
	return f, nil
}

func parseIDs(values []string) ([]int64, bool) {
	var ids []int64
	seen := make(map[int64]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, false
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, len(ids) > 0 && len(ids) <= maxBatchIDs
}
