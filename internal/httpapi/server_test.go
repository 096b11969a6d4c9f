package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/history"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/settings"
	"github.com/agentworkforce/relaynote/internal/storage"
	"github.com/agentworkforce/relaynote/internal/syncer"
)

const testSecret = "dev-secret"

type fixture struct {
	server  *Server
	store   *localstore.Store
	backend *remote.MemoryBackend
	sync    *syncer.Orchestrator
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	st := storage.NewMemoryStorage()
	store, err := localstore.Open(st, localstore.Options{})
	require.NoError(t, err)
	queue, err := pendingops.Open(st, pendingops.Options{})
	require.NoError(t, err)
	backend := remote.NewMemoryBackend()
	orch, err := syncer.New(syncer.Options{
		Store:    store,
		Queue:    queue,
		Remote:   backend,
		Storage:  st,
		Logger:   zerolog.Nop(),
		Debounce: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	prefs, err := settings.New(settings.Options{Storage: st, Logger: zerolog.Nop(), Debounce: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = prefs.Close() })

	if cfg.JWTSecret == "" && cfg.APIToken == "" {
		cfg.JWTSecret = testSecret
	}
	cfg.Logger = zerolog.Nop()
	server := NewServer(Deps{
		Store:    store,
		History:  history.New(store, 0),
		Queue:    queue,
		Sync:     orch,
		Settings: prefs,
	}, cfg)
	return &fixture{server: server, store: store, backend: backend, sync: orch}
}

func mustToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testSecret, "alice", scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

type request struct {
	method string
	path   string
	token  string
	body   any
}

func do(t *testing.T, h http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	rec := do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	readOnly := mustToken(t, ScopeRead)
	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: readOnly, body: map[string]any{"type": "createWorkspace", "name": "x"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	expired, err := IssueToken(testSecret, "alice", nil, -time.Minute, time.Now())
	require.NoError(t, err)
	rec = do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot", token: expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := IssueToken("other-secret", "alice", nil, time.Hour, time.Now())
	require.NoError(t, err)
	rec = do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot", token: forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, f.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticTokenGrantsAllScopes(t *testing.T) {
	f := newFixture(t, ServerConfig{APIToken: "static"})
	rec := do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: "static", body: map[string]any{"type": "createWorkspace", "name": "Home"}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot", token: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMutationsAndUndo(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustToken(t)

	rec := do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: token, body: map[string]any{"type": "createWorkspace", "id": "w1", "name": "Home"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: token, body: map[string]any{"type": "createTable", "workspaceId": "w1", "id": "t1", "name": "Groceries"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[snapshotResponse](t, rec)
	require.Len(t, snap.Workspaces, 1)
	require.Len(t, snap.Workspaces[0].Tables, 1)
	assert.True(t, snap.CanUndo)

	rec = do(t, f.server, request{method: http.MethodPut, path: "/v1/current-table", token: token, body: map[string]string{"tableId": "t1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", f.store.CurrentTable())

	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/undo", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	undone := decode[struct {
		Applied  bool             `json:"applied"`
		Snapshot snapshotResponse `json:"snapshot"`
	}](t, rec)
	assert.True(t, undone.Applied)
	assert.Empty(t, undone.Snapshot.Workspaces[0].Tables)
	assert.True(t, undone.Snapshot.CanRedo)

	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/redo", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, ok := f.store.Snapshot().FindTable("t1")
	assert.True(t, ok)
}

func TestMutationErrors(t *testing.T) {
	f := newFixture(t, ServerConfig{MaxBodyBytes: 256})
	token := mustToken(t)

	for _, tc := range []struct {
		name string
		body any
		want int
	}{
		{name: "unknown type", body: map[string]any{"type": "explode"}, want: http.StatusBadRequest},
		{name: "missing workspace", body: map[string]any{"type": "createTable", "workspaceId": "nope", "name": "x"}, want: http.StatusNotFound},
		{name: "too large", body: map[string]any{"type": "createWorkspace", "name": strings.Repeat("x", 1024)}, want: http.StatusRequestEntityTooLarge},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: token, body: tc.body})
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			body := decode[map[string]any](t, rec)
			assert.NotEmpty(t, body["correlationId"])
		})
	}

	rec := do(t, f.server, request{method: http.MethodGet, path: "/v1/mutations", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	types := decode[map[string][]string](t, rec)
	assert.Contains(t, types["types"], "createNote")
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustToken(t)

	rec := do(t, f.server, request{method: http.MethodPost, path: "/v1/sync/flush", token: token})
	assert.Equal(t, http.StatusConflict, rec.Code, "flush before sign-in")

	require.NoError(t, f.sync.SignIn(context.Background(), "alice"))
	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: token, body: map[string]any{"type": "createWorkspace", "id": "w1", "name": "Home"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.server, request{method: http.MethodGet, path: "/v1/sync/status", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	require.NotNil(t, status.Sync)
	assert.True(t, status.Sync.HasPendingChanges)

	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/sync/flush", token: token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status = decode[statusResponse](t, rec)
	assert.False(t, status.Sync.HasPendingChanges)
	assert.NotNil(t, status.Sync.LastPushAt)

	data, err := f.backend.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, data.Workspaces, 1)
	assert.Equal(t, "Home", data.Workspaces[0].Name)

	f.backend.SetOffline(true)
	rec = do(t, f.server, request{method: http.MethodPost, path: "/v1/sync/refresh", token: token})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, f.server, request{method: http.MethodGet, path: "/v1/pending-operations", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustToken(t)

	rec := do(t, f.server, request{method: http.MethodGet, path: "/v1/settings", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settings.Defaults().FontSize, decode[settings.Settings](t, rec).FontSize)

	rec = do(t, f.server, request{method: http.MethodPut, path: "/v1/settings", token: token, body: map[string]any{"theme": "dark"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[settings.Settings](t, rec)
	assert.Equal(t, settings.ThemeDark, saved.Theme)
	assert.Equal(t, settings.Defaults().FontSize, saved.FontSize, "partial bodies keep other fields")

	rec = do(t, f.server, request{method: http.MethodPut, path: "/v1/settings", token: token, body: map[string]any{"theme": "neon"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustToken(t)
	for i := 0; i < 2; i++ {
		rec := do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot", token: token})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, f.server, request{method: http.MethodGet, path: "/v1/snapshot", token: token})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestEventsStreamStoreChanges(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustToken(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	rec := do(t, f.server, request{method: http.MethodPost, path: "/v1/mutations", token: token, body: map[string]any{"type": "createWorkspace", "id": "w1", "name": "Home"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var frame changeFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, localstore.OriginLocal, frame.Origin)
	require.Len(t, frame.Added, 1)
	assert.Equal(t, "w1", frame.Added[0].ID)
}

func TestHubAuthenticatesWithJWT(t *testing.T) {
	backend := remote.NewMemoryBackend()
	auth := Authenticator{JWTSecret: testSecret}
	hub := httptest.NewServer(remote.Handler(backend, remote.HandlerOptions{Authenticate: auth.Authenticate, Logger: zerolog.Nop()}))
	defer hub.Close()
	ctx := context.Background()

	client := remote.NewRESTBackend(hub.URL, mustToken(t, ScopeSync), nil)
	require.NoError(t, client.Create(ctx, remote.WorkspaceRow{ID: "w1", Name: "Home", OwnerID: "alice", Visibility: "private", UpdatedAt: time.Now().UTC()}))
	data, err := backend.Fetch(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, data.Workspaces, 1)

	readOnly := remote.NewRESTBackend(hub.URL, mustToken(t, ScopeRead), nil)
	_, err = readOnly.Fetch(ctx, "alice")
	require.Error(t, err)
	assert.True(t, remote.IsPermission(err), "got %v", err)
}
