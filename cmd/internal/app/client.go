package app

import (
	"net/http"
	"strings"
	"time"

	"tuitui/cmd/internal/chat"
	"tuitui/cmd/internal/session"
	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/prometheus/client_golang/prometheus"
)

const clientHTTPTimeout = 15 * time.Second

// ClientRuntime bundles the pieces the CLI needs: the engine and the session that authorizes it.
type ClientRuntime struct {
	Engine  *chat.Engine
	Session *session.TokenSource
}

// NewClient builds the session token source and the chat engine from cfg. reg may be nil.
func NewClient(cfg ClientConfig, log Logger, reg prometheus.Registerer) (*ClientRuntime, error) {
	hc := &http.Client{Timeout: clientHTTPTimeout}

	tokens, err := session.New(session.Config{
		BaseURL:    cfg.APIURL,
		HTTPClient: hc,
		Store: session.NewMemoryStore(v1.TokenPair{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
		}),
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	var metrics *chat.Metrics
	if reg != nil {
		metrics = chat.NewMetrics(reg)
	}

	eng, err := chat.NewEngine(chat.Config{
		APIURL:     cfg.APIURL,
		Session:    tokens,
		HTTPClient: hc,
		Conn: chat.ConnConfig{
			URL:                  clientWSURL(cfg),
			ReconnectDelay:       cfg.ReconnectDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			ReconnectJitter:      connJitter(cfg.ReconnectJitter),
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			QueueCap:             cfg.QueueCap,
			PingInterval:         cfg.PingInterval,
		},
		PublishTimeout:  cfg.PublishTimeout,
		HistoryPageSize: cfg.HistoryPageSize,
		Logger:          log,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}
	return &ClientRuntime{Engine: eng, Session: tokens}, nil
}

func clientWSURL(cfg ClientConfig) string {
	if cfg.WSURL != "" {
		return cfg.WSURL
	}
	return wsBaseURL(strings.TrimRight(cfg.APIURL, "/")) + v1.EndpointPath
}

// connJitter maps a configured jitter of 0 to the engine's "disabled" value.
func connJitter(j float64) float64 {
	if j == 0 {
		return -1
	}
	return j
}
