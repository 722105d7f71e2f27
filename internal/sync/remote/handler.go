package remote

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Handler serves a Store over the HTTP protocol HTTPStore speaks. It backs
// the development remote and the client tests.
type Handler struct {
	store Store
	token string
	mux   *http.ServeMux
}

// NewHandler wraps store. A non-empty token is required as a bearer token
// on every record route.
func NewHandler(store Store, token string) *Handler {
	h := &Handler{store: store, token: token, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("PUT /collections/{collection}/records/{id}", h.push)
	h.mux.HandleFunc("DELETE /collections/{collection}/records/{id}", h.delete)
	h.mux.HandleFunc("GET /collections/{collection}/records/{id}", h.fetch)
	h.mux.HandleFunc("GET /collections/{collection}/changes", h.changes)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+h.token {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid token"})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// push handles PUT /collections/{collection}/records/{id}
func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	res, err := h.store.Push(r.Context(), PushRequest{
		Collection:      r.PathValue("collection"),
		ID:              r.PathValue("id"),
		Payload:         body.Payload,
		ExpectedVersion: body.ExpectedVersion,
		LastModifiedAt:  body.LastModifiedAt,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// delete handles DELETE /collections/{collection}/records/{id}
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expected, err := strconv.ParseInt(q.Get("expectedVersion"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "expectedVersion is required"})
		return
	}
	var modified time.Time
	if v := q.Get("lastModifiedAt"); v != "" {
		if modified, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed lastModifiedAt"})
			return
		}
	}
	res, err := h.store.Delete(r.Context(), DeleteRequest{
		Collection:      r.PathValue("collection"),
		ID:              r.PathValue("id"),
		ExpectedVersion: expected,
		LastModifiedAt:  modified,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fetch handles GET /collections/{collection}/records/{id}
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Fetch(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// changes handles GET /collections/{collection}/changes
func (h *Handler) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed limit"})
			return
		}
		limit = n
	}
	page, err := h.store.PullSince(r.Context(), r.PathValue("collection"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Changes == nil {
		page.Changes = []Change{}
	}
	writeJSON(w, http.StatusOK, page)
}

func writeError(w http.ResponseWriter, err error) {
	if vc, ok := AsVersionConflict(err); ok {
		writeJSON(w, http.StatusConflict, conflictBody{Error: vc.Error(), Current: vc.Current})
		return
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: ve.Reason})
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
