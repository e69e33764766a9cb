// internal/app/features/crews/items.go
package crews

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
)

type createItemRequest struct {
	Kind    models.ItemKind `json:"kind"`
	Body    string          `json:"body"`
	Payload bson.M          `json:"payload"`
}

// HandleCreateItem handles POST /api/crews/{crewID}/items.
func (h *Handler) HandleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "create item")
	defer cancel()

	item, err := h.Coord.CreateItem(ctx, actor(r), operationID(w, r), crewID(r), req.Kind, req.Body, req.Payload)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, item)
}

// ServeItems handles GET /api/crews/{crewID}/items?kind=post&before=RFC3339&limit=50.
func (h *Handler) ServeItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := models.ItemKind(q.Get("kind"))
	if kind == "" {
		kind = models.ItemPost
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.fail(w, crewerr.Invalid("before must be an RFC 3339 timestamp"))
			return
		}
		before = t
	}
	var limit int64
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			h.fail(w, crewerr.Invalid("limit must be a positive integer"))
			return
		}
		limit = n
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Medium(), h.Log, "list items")
	defer cancel()

	items, err := h.Coord.ListItems(ctx, actor(r), crewID(r), kind, before, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HandleDeleteItem handles DELETE /api/crews/{crewID}/items/{itemID}.
func (h *Handler) HandleDeleteItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "delete item")
	defer cancel()

	if err := h.Coord.DeleteItem(ctx, actor(r), operationID(w, r), crewID(r), chi.URLParam(r, "itemID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
