package notify

import (
	"context"
	stdjson "encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/cors"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	schoolsync "github.com/Gyimahp52/michael-school-portal-sub002/internal/sync"
)

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default HTTP API configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:8090",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the local HTTP API used by the school app's user interface.
type Server struct {
	cfg     ServerConfig
	engine  schoolsync.EngineInterface
	hub     *Hub
	handler http.Handler
}

// NewServer creates the API server. hub may be nil to disable /ws.
func NewServer(engine schoolsync.EngineInterface, hub *Hub, cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	s := &Server{cfg: cfg, engine: engine, hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/sync", s.sync)
	mux.HandleFunc("GET /api/conflicts", s.conflicts)
	mux.HandleFunc("POST /api/conflicts/{collection}/{id}/resolve", s.resolve)
	mux.HandleFunc("GET /api/collections/{collection}/records", s.list)
	mux.HandleFunc("POST /api/collections/{collection}/records", s.create)
	mux.HandleFunc("GET /api/collections/{collection}/records/{id}", s.get)
	mux.HandleFunc("PUT /api/collections/{collection}/records/{id}", s.update)
	mux.HandleFunc("DELETE /api/collections/{collection}/records/{id}", s.remove)
	mux.HandleFunc("POST /api/collections/{collection}/records/{id}/retry", s.retry)
	mux.HandleFunc("POST /api/collections/{collection}/records/{id}/abandon", s.abandon)
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	s.handler = newCORS(cfg.AllowedOrigins).Handler(mux)
	return s
}

func newCORS(origins []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		opts.AllowOriginFunc = func(origin string) bool {
			return allowOrigin(nil, origin)
		}
	} else {
		opts.AllowedOrigins = origins
	}
	return cors.New(opts)
}

// Handler returns the API handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "listen on "+s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info("HTTP API listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("HTTP API stopped", nil)
	return nil
}

// =====================================================
// Status and Sync
// =====================================================

// health handles GET /api/health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "schoolsync",
	})
}

// status handles GET /api/status
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SyncStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// sync handles POST /api/sync
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.TriggerManualSync(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "triggered"})
}

// conflicts handles GET /api/conflicts?state=unresolved
func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	state := models.ResolutionState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, errors.Newf(errors.ErrInvalid, "unknown resolution state %q", state))
		return
	}
	entries, err := s.engine.Conflicts(r.Context(), state)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": entries})
}

// resolve handles POST /api/conflicts/{collection}/{id}/resolve
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice  string             `json:"choice"`
		Payload stdjson.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrInvalid, "invalid request body"))
		return
	}
	choice, err := schoolsync.ParseChoice(request.Choice)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.engine.ResolveConflict(r.Context(), r.PathValue("collection"), r.PathValue("id"), choice, request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =====================================================
// Records
// =====================================================

// list handles GET /api/collections/{collection}/records
func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.List(r.Context(), r.PathValue("collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

// get handles GET /api/collections/{collection}/records/{id}
func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// create handles POST /api/collections/{collection}/records
func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ID      string             `json:"id"`
		Payload stdjson.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrInvalid, "invalid request body"))
		return
	}
	s.mutate(w, r, http.StatusCreated, schoolsync.MutateRequest{
		Collection: r.PathValue("collection"),
		ID:         request.ID,
		Operation:  models.OperationCreate,
		Payload:    request.Payload,
	})
}

// update handles PUT /api/collections/{collection}/records/{id}
func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Payload stdjson.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrInvalid, "invalid request body"))
		return
	}
	s.mutate(w, r, http.StatusOK, schoolsync.MutateRequest{
		Collection: r.PathValue("collection"),
		ID:         r.PathValue("id"),
		Operation:  models.OperationUpdate,
		Payload:    request.Payload,
	})
}

// remove handles DELETE /api/collections/{collection}/records/{id}
func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, schoolsync.MutateRequest{
		Collection: r.PathValue("collection"),
		ID:         r.PathValue("id"),
		Operation:  models.OperationDelete,
	})
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, status int, req schoolsync.MutateRequest) {
	rec, err := s.engine.Mutate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, rec)
}

// retry handles POST /api/collections/{collection}/records/{id}/retry
func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.RetryRecord(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// abandon handles POST /api/collections/{collection}/records/{id}/abandon
func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.AbandonRecord(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =====================================================
// Responses
// =====================================================

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound, errors.ErrConflictNotFound, errors.ErrUnknownCollection:
		return http.StatusNotFound
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrPermission:
		return http.StatusForbidden
	case errors.ErrNotRetryable, errors.ErrSyncConflict, errors.ErrRecordDeleted:
		return http.StatusConflict
	case errors.ErrSyncUnavailable, errors.ErrSyncTimeout:
		return http.StatusServiceUnavailable
	case errors.ErrStorageQuota:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("API request failed", string(code), err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
