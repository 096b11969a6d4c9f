package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/document"
)

const (
	restPrefix       = "/rest/v1/"
	realtimePath     = "/realtime/v1/changes"
	userHeader       = "X-Relaynote-User"
	correlationIDKey = "X-Correlation-Id"
	maxEventBytes    = 8 << 20
)

var relationByKind = map[document.EntityKind]string{
	document.KindWorkspace: "workspaces",
	document.KindTable:     "tables",
	document.KindNote:      "notes",
}

// RESTBackend talks to a remote store over HTTP: row CRUD on
// /rest/v1/<relation> and the change feed over a websocket.
type RESTBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewRESTBackend(baseURL, token string, httpClient *http.Client) *RESTBackend {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTBackend{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *RESTBackend) Fetch(ctx context.Context, userID string) (Dataset, error) {
	ctx = WithUser(ctx, userID)
	var d Dataset
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(relation string, out any) {
		g.Go(func() error {
			return c.doJSON(gctx, http.MethodGet, restPrefix+relation, nil, nil, out)
		})
	}
	fetch("workspaces", &d.Workspaces)
	fetch("tables", &d.Tables)
	fetch("notes", &d.Notes)
	fetch("workspace_members", &d.Members)
	fetch("workspace_share_links", &d.ShareLinks)
	if err := g.Wait(); err != nil {
		return Dataset{}, err
	}
	sortDataset(&d)
	return d, nil
}

func (c *RESTBackend) Update(ctx context.Context, row Row) error {
	relation, err := relationFor(row.EntityKind())
	if err != nil {
		return err
	}
	var out []json.RawMessage
	path := restPrefix + relation + "?id=" + url.QueryEscape("eq."+row.EntityID())
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.doJSON(ctx, http.MethodPatch, path, headers, row, &out); err != nil {
		return withTarget(err, row.EntityKind(), row.EntityID())
	}
	if len(out) == 0 {
		return &NotFoundError{Kind: string(row.EntityKind()), ID: row.EntityID()}
	}
	return nil
}

func (c *RESTBackend) Create(ctx context.Context, row Row) error {
	relation, err := relationFor(row.EntityKind())
	if err != nil {
		return err
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	if err := c.doJSON(ctx, http.MethodPost, restPrefix+relation, headers, row, nil); err != nil {
		return withTarget(err, row.EntityKind(), row.EntityID())
	}
	return nil
}

func (c *RESTBackend) Delete(ctx context.Context, kind document.EntityKind, id string) error {
	relation, err := relationFor(kind)
	if err != nil {
		return err
	}
	var out []json.RawMessage
	path := restPrefix + relation + "?id=" + url.QueryEscape("eq."+id)
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.doJSON(ctx, http.MethodDelete, path, headers, nil, &out); err != nil {
		return withTarget(err, kind, id)
	}
	if len(out) == 0 {
		return &NotFoundError{Kind: string(kind), ID: id}
	}
	return nil
}

// Subscribe opens the realtime websocket. The returned channel is closed
// when ctx ends or the connection drops; callers resubscribe.
func (c *RESTBackend) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	wsURL := c.baseURL + realtimePath
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	if user := UserFrom(ctx); user != "" {
		header.Set(userHeader, user)
	}
	// the feed is long lived; the client timeout only bounds REST calls
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header, HTTPClient: &dialClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &PermissionError{Kind: "realtime", ID: realtimePath}
		}
		return nil, &NetworkError{Op: "subscribe", Err: err}
	}
	conn.SetReadLimit(maxEventBytes)

	out := make(chan ChangeEvent, 256)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var ev ChangeEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *RESTBackend) FetchSettings(ctx context.Context, userID string) (SettingsRow, error) {
	var rows []SettingsRow
	path := restPrefix + "user_settings?user_id=" + url.QueryEscape("eq."+userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
		return SettingsRow{}, err
	}
	if len(rows) == 0 {
		return SettingsRow{}, &NotFoundError{Kind: "user_settings", ID: userID}
	}
	return rows[0], nil
}

func (c *RESTBackend) SaveSettings(ctx context.Context, row SettingsRow) error {
	return c.upsert(ctx, "user_settings", row)
}

func (c *RESTBackend) PutMember(ctx context.Context, m MemberRow) error {
	return c.upsert(ctx, "workspace_members", m)
}

func (c *RESTBackend) PutShareLink(ctx context.Context, l ShareLinkRow) error {
	return c.upsert(ctx, "workspace_share_links", l)
}

func (c *RESTBackend) upsert(ctx context.Context, relation string, body any) error {
	headers := map[string]string{"Prefer": "resolution=merge-duplicates"}
	return c.doJSON(ctx, http.MethodPost, restPrefix+relation, headers, body, nil)
}

func (c *RESTBackend) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func relationFor(kind document.EntityKind) (string, error) {
	relation, ok := relationByKind[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRow, kind)
	}
	return relation, nil
}

// withTarget fills in the entity on errors produced before the row was known.
func withTarget(err error, kind document.EntityKind, id string) error {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return &NotFoundError{Kind: string(kind), ID: id}
	}
	var permission *PermissionError
	if errors.As(err, &permission) {
		return &PermissionError{Kind: string(kind), ID: id, Reason: permission.Reason}
	}
	return err
}

func (c *RESTBackend) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set(correlationIDKey, correlationID())
		if user := UserFrom(ctx); user != "" {
			req.Header.Set(userHeader, user)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &NetworkError{Op: op, Err: waitErr}
				}
				continue
			}
			return &NetworkError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &NetworkError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &NetworkError{Op: op, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		switch {
		case retryable:
			return &NetworkError{Op: op, Err: httpErr}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &PermissionError{Kind: requestPath, Reason: errPayload.Message}
		case resp.StatusCode == http.StatusNotFound:
			return &NotFoundError{Kind: requestPath}
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %v", ErrInvalidRow, httpErr)
		}
		return httpErr
	}
}

func correlationID() string {
	return "relaynote_" + uuid.NewString()
}

func (c *RESTBackend) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
