package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	v1 "tuitui/shared/contracts/chat/v1"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	maxTokenResponseBytes = 64 << 10
)

// Config configures a TokenSource.
type Config struct {
	// BaseURL is the REST base URL serving /api/token.
	BaseURL    string
	HTTPClient *http.Client
	// Store defaults to an empty MemoryStore.
	Store TokenStore
	// RefreshTimeout bounds one refresh request. It is detached from the caller's context so a
	// refresh started on behalf of a cancelled request still completes for the others.
	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// TokenSource implements the chat engine's session provider.
type TokenSource struct {
	base    *url.URL
	http    *http.Client
	store   TokenStore
	timeout time.Duration
	log     *slog.Logger

	group singleflight.Group
}

// New constructs a TokenSource.
func New(cfg Config) (*TokenSource, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url must be absolute: %q", ErrConfig, cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(v1.TokenPair{})
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenSource{
		base:    u,
		http:    cfg.HTTPClient,
		store:   cfg.Store,
		timeout: cfg.RefreshTimeout,
		log:     cfg.Logger,
	}, nil
}

// AccessToken returns the stored access token. When only a refresh token is stored it refreshes
// first. An empty store yields "" and no error, so anonymous backends keep working.
func (s *TokenSource) AccessToken(ctx context.Context) (string, error) {
	pair, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if pair.AccessToken != "" || pair.RefreshToken == "" {
		return pair.AccessToken, nil
	}
	pair, err = s.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// HandleAuthError rotates the token pair after the backend rejected the access token.
// Failures are logged; the next request surfaces them again.
func (s *TokenSource) HandleAuthError(ctx context.Context, cause error) {
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("session.refresh.fail", "cause", cause, "err", err)
		return
	}
	s.log.Info("session.refresh.ok", "cause", cause)
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent calls share one request.
func (s *TokenSource) Refresh(ctx context.Context) (v1.TokenPair, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return v1.TokenPair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return v1.TokenPair{}, res.Err
		}
		return res.Val.(v1.TokenPair), nil
	}
}

// Issue asks the dev backend for a fresh pair (grant_type=issue) and stores it.
func (s *TokenSource) Issue(ctx context.Context) (v1.TokenPair, error) {
	pair, err := s.grant(ctx, url.Values{"grant_type": {"issue"}})
	if err != nil {
		return v1.TokenPair{}, err
	}
	if err := s.store.Save(ctx, pair); err != nil {
		return v1.TokenPair{}, err
	}
	return pair, nil
}

func (s *TokenSource) refresh(ctx context.Context) (v1.TokenPair, error) {
	cur, err := s.store.Load(ctx)
	if err != nil {
		return v1.TokenPair{}, err
	}
	if cur.RefreshToken == "" {
		return v1.TokenPair{}, ErrNoRefreshToken
	}

	pair, err := s.grant(ctx, url.Values{
		"grant_type":    {"refresh"},
		"refresh_token": {cur.RefreshToken},
	})
	if errors.Is(err, ErrRefreshRejected) {
		if cerr := s.store.Clear(ctx); cerr != nil {
			s.log.Error("session.store.clear.fail", "err", cerr)
		}
		return v1.TokenPair{}, err
	}
	if err != nil {
		return v1.TokenPair{}, err
	}
	if err := s.store.Save(ctx, pair); err != nil {
		return v1.TokenPair{}, err
	}
	return pair, nil
}

func (s *TokenSource) grant(ctx context.Context, q url.Values) (v1.TokenPair, error) {
	u := *s.base
	u.Path = s.base.Path + "/api/token"
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return v1.TokenPair{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return v1.TokenPair{}, &RefreshError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return v1.TokenPair{}, &RefreshError{Status: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return v1.TokenPair{}, ErrRefreshRejected
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var eb v1.ErrorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		return v1.TokenPair{}, &RefreshError{Status: resp.StatusCode, Err: errors.New(eb.Message)}
	}

	var body v1.Response[v1.TokenPair]
	if err := json.Unmarshal(raw, &body); err != nil {
		return v1.TokenPair{}, &RefreshError{Status: resp.StatusCode, Err: err}
	}
	if body.Data.AccessToken == "" || body.Data.RefreshToken == "" {
		return v1.TokenPair{}, &RefreshError{Status: resp.StatusCode, Err: errors.New("incomplete token pair")}
	}
	return body.Data, nil
}
