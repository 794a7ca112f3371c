package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "tuitui/shared/contracts/chat/v1"
)

// SessionProvider supplies bearer tokens. Refresh-on-401 is its responsibility.
type SessionProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// AuthErrorHandler is implemented by session providers that want AuthErrors forwarded.
type AuthErrorHandler interface {
	HandleAuthError(ctx context.Context, err error)
}

func forwardAuthError(ctx context.Context, s SessionProvider, err error) {
	if h, ok := s.(AuthErrorHandler); ok {
		h.HandleAuthError(ctx, err)
	}
}

// StatusError is a non-2xx REST response other than 401/403.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

const maxResponseBytes = 4 << 20

// RESTClient is the JSON client shared by HistoryLoader and RoomDirectory.
type RESTClient struct {
	base    *url.URL
	http    *http.Client
	session SessionProvider
	log     *slog.Logger
}

// NewRESTClient builds a client for baseURL (scheme://host[:port]).
func NewRESTClient(baseURL string, hc *http.Client, session SessionProvider, log *slog.Logger) (*RESTClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RESTClient{base: u, http: hc, session: session, log: log}, nil
}

// do performs one JSON request and decodes a 2xx body into out (when non-nil).
func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		tok, err := c.session.AccessToken(ctx)
		if err != nil {
			return err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	c.log.Debug("rest.request", "method", method, "path", u.Path, "status", resp.StatusCode,
		"request_id", reqID, "took", time.Since(started))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ae := &AuthError{Status: resp.StatusCode, Err: decodeErrorBody(resp.StatusCode, raw)}
		forwardAuthError(ctx, c.session, ae)
		return ae
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return decodeErrorBody(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Reason: "bad response body", Err: err}
	}
	return nil
}

func decodeErrorBody(status int, raw []byte) *StatusError {
	se := &StatusError{Status: status}
	var eb v1.ErrorBody
	if json.Unmarshal(raw, &eb) == nil {
		se.Code = eb.Code
		se.Message = eb.Message
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(raw))
		if len(se.Message) > 200 {
			se.Message = se.Message[:200]
		}
	}
	return se
}
