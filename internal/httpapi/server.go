// Package httpapi serves the local control API that an editor front end
// uses to read the document tree, apply mutations, and drive sync.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/history"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/realtime"
	"github.com/agentworkforce/relaynote/internal/settings"
	"github.com/agentworkforce/relaynote/internal/syncer"
)

type ServerConfig struct {
	APIToken        string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

// Deps are the components the API exposes. Sync, Settings and Realtime
// may be nil when the process runs without a remote.
type Deps struct {
	Store    *localstore.Store
	History  *history.Manager
	Queue    *pendingops.Queue
	Sync     *syncer.Orchestrator
	Settings *settings.Syncer
	Realtime *realtime.Ingester
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	auth        Authenticator
	router      *mux.Router
	rateLimiter *rateLimiter
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ctxKey struct{}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		deps:        deps,
		cfg:         cfg,
		auth:        Authenticator{StaticToken: cfg.APIToken, JWTSecret: cfg.JWTSecret},
		rateLimiter: limiter,
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/snapshot", s.guard(ScopeRead, s.handleSnapshot)).Methods(http.MethodGet)
	v1.Handle("/mutations", s.guard(ScopeRead, s.handleMutationTypes)).Methods(http.MethodGet)
	v1.Handle("/mutations", s.guard(ScopeWrite, s.handleMutation)).Methods(http.MethodPost)
	v1.Handle("/undo", s.guard(ScopeWrite, s.handleUndo)).Methods(http.MethodPost)
	v1.Handle("/redo", s.guard(ScopeWrite, s.handleRedo)).Methods(http.MethodPost)
	v1.Handle("/current-table", s.guard(ScopeWrite, s.handleCurrentTable)).Methods(http.MethodPut)
	v1.Handle("/sync/status", s.guard(ScopeRead, s.handleSyncStatus)).Methods(http.MethodGet)
	v1.Handle("/sync/refresh", s.guard(ScopeSync, s.handleSyncRefresh)).Methods(http.MethodPost)
	v1.Handle("/sync/flush", s.guard(ScopeSync, s.handleSyncFlush)).Methods(http.MethodPost)
	v1.Handle("/pending-operations", s.guard(ScopeRead, s.handlePendingOperations)).Methods(http.MethodGet)
	v1.Handle("/settings", s.guard(ScopeRead, s.handleGetSettings)).Methods(http.MethodGet)
	v1.Handle("/settings", s.guard(ScopeWrite, s.handlePutSettings)).Methods(http.MethodPut)
	v1.Handle("/events", s.guard(ScopeRead, s.handleEvents)).Methods(http.MethodGet)
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// guard authenticates, rate limits and tags the request with a
// correlation id before calling next.
func (s *Server) guard(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		claims, authErr := s.auth.authorize(r.Header.Get("Authorization"), scope)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil {
			key := claims.UserID
			if key == "" {
				key = r.RemoteAddr
			}
			if !s.rateLimiter.allow(key, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, correlationID)))
	})
}

type snapshotResponse struct {
	Workspaces     document.Snapshot `json:"workspaces"`
	CurrentTableID string            `json:"currentTableId,omitempty"`
	CanUndo        bool              `json:"canUndo"`
	CanRedo        bool              `json:"canRedo"`
}

func (s *Server) snapshot() snapshotResponse {
	snap := s.deps.Store.Snapshot()
	if snap == nil {
		snap = document.Snapshot{}
	}
	resp := snapshotResponse{Workspaces: snap, CurrentTableID: s.deps.Store.CurrentTable()}
	if s.deps.History != nil {
		resp.CanUndo = s.deps.History.CanUndo()
		resp.CanRedo = s.deps.History.CanRedo()
	}
	return resp
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleMutationTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": localstore.MutationTypes()})
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFrom(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	m, err := localstore.DecodeMutation(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if s.deps.History != nil {
		_, err = s.deps.History.Apply(m)
	} else {
		_, err = s.deps.Store.Apply(m)
	}
	if err != nil {
		s.writeDocumentError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, true)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, false)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, undo bool) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "history is disabled", correlationFrom(r))
		return
	}
	var applied bool
	if undo {
		applied = s.deps.History.Undo()
	} else {
		applied = s.deps.History.Redo()
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "snapshot": s.snapshot()})
}

func (s *Server) handleCurrentTable(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFrom(r)
	var req struct {
		TableID string `json:"tableId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.deps.Store.SetCurrentTable(req.TableID); err != nil {
		s.writeDocumentError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"currentTableId": req.TableID})
}

type statusResponse struct {
	Sync          *syncer.Status   `json:"sync,omitempty"`
	Realtime      *realtime.Stats  `json:"realtime,omitempty"`
	Store         localstore.Stats `json:"store"`
	SettingsDirty bool             `json:"settingsDirty"`
	SettingsError string           `json:"settingsError,omitempty"`
	Pending       int              `json:"pendingOperations"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Store: s.deps.Store.Stats()}
	if s.deps.Sync != nil {
		st := s.deps.Sync.Status()
		resp.Sync = &st
	}
	if s.deps.Realtime != nil {
		st := s.deps.Realtime.Stats()
		resp.Realtime = &st
	}
	if s.deps.Settings != nil {
		resp.SettingsDirty, resp.SettingsError = s.deps.Settings.Pending()
	}
	if s.deps.Queue != nil {
		resp.Pending = s.deps.Queue.Len()
	}
	return resp
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, func(o *syncer.Orchestrator, ctx context.Context) error { return o.Refresh(ctx) })
}

func (s *Server) handleSyncFlush(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, func(o *syncer.Orchestrator, ctx context.Context) error { return o.Flush(ctx) })
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, fn func(*syncer.Orchestrator, context.Context) error) {
	correlationID := correlationFrom(r)
	if s.deps.Sync == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "sync is disabled", correlationID)
		return
	}
	err := fn(s.deps.Sync, r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.status())
	case errors.Is(err, syncer.ErrNotSignedIn):
		writeError(w, http.StatusConflict, "not_signed_in", err.Error(), correlationID)
	default:
		s.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("sync request failed")
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
	}
}

func (s *Server) handlePendingOperations(w http.ResponseWriter, _ *http.Request) {
	items := []pendingops.Operation{}
	if s.deps.Queue != nil {
		items = append(items, s.deps.Queue.Drain()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "settings are disabled", correlationFrom(r))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

// handlePutSettings merges the body over the current settings, so clients
// may send only the fields they change.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFrom(r)
	if s.deps.Settings == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "settings are disabled", correlationID)
		return
	}
	next := s.deps.Settings.Get()
	if !s.decodeJSONBody(w, r, correlationID, &next) {
		return
	}
	saved, err := s.deps.Settings.Set(next)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) writeDocumentError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, document.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("mutation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func correlationFrom(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return id
	}
	return getCorrelationID(r)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
