package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/document"
)

type HandlerOptions struct {
	// Authenticate resolves the acting user of a request. When nil the
	// X-Relaynote-User header is trusted as is.
	Authenticate func(r *http.Request) (string, error)
	Logger       zerolog.Logger
	MaxBodyBytes int64
}

type handler struct {
	backend Backend
	opts    HandlerOptions
	log     zerolog.Logger
}

// Handler serves backend over the protocol spoken by RESTBackend, so one
// process can host the shared store for several devices.
func Handler(backend Backend, opts HandlerOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 20
	}
	h := &handler{backend: backend, opts: opts, log: opts.Logger.With().Str("component", "remote.handler").Logger()}
	r := mux.NewRouter()
	r.HandleFunc(realtimePath, h.handleRealtime).Methods(http.MethodGet)
	rest := r.PathPrefix(strings.TrimSuffix(restPrefix, "/")).Subrouter()
	rest.HandleFunc("/{relation}", h.handleList).Methods(http.MethodGet)
	rest.HandleFunc("/{relation}", h.handleCreate).Methods(http.MethodPost)
	rest.HandleFunc("/{relation}", h.handlePatch).Methods(http.MethodPatch)
	rest.HandleFunc("/{relation}", h.handleDelete).Methods(http.MethodDelete)
	r.Use(h.authenticate)
	return r
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(userHeader))
		if h.opts.Authenticate != nil {
			var err error
			user, err = h.opts.Authenticate(r)
			if err != nil {
				writeRESTError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	relation := mux.Vars(r)["relation"]
	ctx := r.Context()
	if relation == "user_settings" {
		sb, ok := h.backend.(SettingsBackend)
		if !ok {
			writeRESTError(w, http.StatusNotFound, "not_found", "settings not supported")
			return
		}
		userID := eqParam(r, "user_id")
		if userID == "" {
			userID = UserFrom(ctx)
		}
		row, err := sb.FetchSettings(ctx, userID)
		if IsNotFound(err) {
			writeRESTJSON(w, http.StatusOK, []SettingsRow{})
			return
		}
		if err != nil {
			h.writeBackendError(w, err)
			return
		}
		writeRESTJSON(w, http.StatusOK, []SettingsRow{row})
		return
	}

	d, err := h.backend.Fetch(ctx, UserFrom(ctx))
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	switch relation {
	case "workspaces":
		writeRESTJSON(w, http.StatusOK, nonNil(d.Workspaces))
	case "tables":
		writeRESTJSON(w, http.StatusOK, nonNil(d.Tables))
	case "notes":
		writeRESTJSON(w, http.StatusOK, nonNil(d.Notes))
	case "workspace_members":
		writeRESTJSON(w, http.StatusOK, nonNil(d.Members))
	case "workspace_share_links":
		writeRESTJSON(w, http.StatusOK, nonNil(d.ShareLinks))
	default:
		writeRESTError(w, http.StatusNotFound, "not_found", "unknown relation "+relation)
	}
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	relation := mux.Vars(r)["relation"]
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var err error
	switch relation {
	case "user_settings":
		var row SettingsRow
		if err = json.Unmarshal(body, &row); err == nil {
			if sb, ok := h.backend.(SettingsBackend); ok {
				err = sb.SaveSettings(ctx, row)
			} else {
				err = &NotFoundError{Kind: relation}
			}
		}
	case "workspace_members", "workspace_share_links":
		mb, ok := h.backend.(MembershipBackend)
		if !ok {
			err = &NotFoundError{Kind: relation}
			break
		}
		if relation == "workspace_members" {
			var m MemberRow
			if err = json.Unmarshal(body, &m); err == nil {
				err = mb.PutMember(ctx, m)
			}
		} else {
			var l ShareLinkRow
			if err = json.Unmarshal(body, &l); err == nil {
				err = mb.PutShareLink(ctx, l)
			}
		}
	default:
		var row Row
		row, err = decodeRow(relation, body)
		if err == nil {
			err = h.backend.Create(ctx, row)
		}
	}
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	relation := mux.Vars(r)["relation"]
	id := eqParam(r, "id")
	if id == "" {
		writeRESTError(w, http.StatusBadRequest, "bad_request", "id filter required")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	row, err := decodeRow(relation, body)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if row.EntityID() != id {
		writeRESTError(w, http.StatusBadRequest, "bad_request", "row id does not match filter")
		return
	}
	if err := h.backend.Update(r.Context(), row); err != nil {
		if IsNotFound(err) {
			writeRESTJSON(w, http.StatusOK, []Row{})
			return
		}
		h.writeBackendError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, []Row{row})
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	relation := mux.Vars(r)["relation"]
	id := eqParam(r, "id")
	if id == "" {
		writeRESTError(w, http.StatusBadRequest, "bad_request", "id filter required")
		return
	}
	kind, ok := kindForRelation(relation)
	if !ok {
		writeRESTError(w, http.StatusNotFound, "not_found", "unknown relation "+relation)
		return
	}
	if err := h.backend.Delete(r.Context(), kind, id); err != nil {
		if IsNotFound(err) {
			writeRESTJSON(w, http.StatusOK, []map[string]string{})
			return
		}
		h.writeBackendError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, []map[string]string{{"id": id}})
}

func (h *handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	events, err := h.backend.Subscribe(r.Context())
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("realtime client dropped")
				return
			}
		}
	}
}

func (h *handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeRESTError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeRESTError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (h *handler) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case IsNotFound(err):
		writeRESTError(w, http.StatusNotFound, "not_found", err.Error())
	case IsPermission(err):
		writeRESTError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalidRow):
		writeRESTError(w, http.StatusBadRequest, "invalid_row", err.Error())
	case IsTransient(err):
		writeRESTError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.log.Error().Err(err).Msg("backend request failed")
		writeRESTError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeRow(relation string, body []byte) (Row, error) {
	var (
		row Row
		err error
	)
	switch relation {
	case "workspaces":
		var r WorkspaceRow
		err = json.Unmarshal(body, &r)
		row = r
	case "tables":
		var r TableRow
		err = json.Unmarshal(body, &r)
		row = r
	case "notes":
		var r NoteRow
		err = json.Unmarshal(body, &r)
		row = r
	default:
		return nil, &NotFoundError{Kind: "relation", ID: relation}
	}
	if err != nil {
		return nil, errors.Join(ErrInvalidRow, err)
	}
	return row, nil
}

func kindForRelation(relation string) (document.EntityKind, bool) {
	for kind, rel := range relationByKind {
		if rel == relation {
			return kind, true
		}
	}
	return "", false
}

// eqParam reads a PostgREST style equality filter, ?name=eq.value.
func eqParam(r *http.Request, name string) string {
	return strings.TrimPrefix(r.URL.Query().Get(name), "eq.")
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

func writeRESTJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRESTError(w http.ResponseWriter, status int, code, message string) {
	writeRESTJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
