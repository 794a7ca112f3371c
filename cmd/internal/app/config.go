package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ServerConfig configures the dev broker (cmd/tuitui-devserver).
type ServerConfig struct {
	HTTPAddr  string `env:"TUITUI_HTTP_ADDR,default=127.0.0.1:8080" validate:"required,hostname_port"`
	LogLevel  string `env:"TUITUI_LOG_LEVEL,default=info" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"TUITUI_LOG_FORMAT,default=json" validate:"oneof=json pretty"`

	ReadHeaderTimeout time.Duration `env:"TUITUI_HTTP_READ_HEADER_TIMEOUT,default=5s" validate:"gt=0"`
	IdleTimeout       time.Duration `env:"TUITUI_HTTP_IDLE_TIMEOUT,default=60s" validate:"gt=0"`
	MaxHeaderBytes    int           `env:"TUITUI_HTTP_MAX_HEADER_BYTES,default=1048576" validate:"gt=0"`
	ShutdownTimeout   time.Duration `env:"TUITUI_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`

	DatabaseURL string `env:"TUITUI_DATABASE_URL" validate:"omitempty,url"`
	DBSchema    string `env:"TUITUI_DB_SCHEMA,default=tuitui" validate:"required"`
	DBMaxConns  int32  `env:"TUITUI_DB_MAX_CONNS,default=10" validate:"gte=1"`
	DBMinConns  int32  `env:"TUITUI_DB_MIN_CONNS,default=0" validate:"gte=0,ltefield=DBMaxConns"`

	// ReadinessRequireDB makes /readyz fail unless a database is configured and reachable.
	ReadinessRequireDB bool `env:"TUITUI_READINESS_REQUIRE_DB,default=false"`

	RequireAuth bool   `env:"TUITUI_REQUIRE_AUTH,default=false"`
	StaticToken string `env:"TUITUI_STATIC_TOKEN" validate:"omitempty,min=16"`

	// TokenTTL of 0 issues dev tokens that never expire.
	TokenTTL time.Duration `env:"TUITUI_TOKEN_TTL,default=15m" validate:"gte=0"`

	// TokenHMACKey keys the digests of issued tokens; empty falls back to SHA-256.
	TokenHMACKey string `env:"TUITUI_TOKEN_HMAC_KEY" validate:"omitempty,min=32"`

	// AllowInsecureBind permits serving without auth on a non-loopback address.
	AllowInsecureBind bool `env:"TUITUI_ALLOW_INSECURE_BIND,default=false"`

	// AllowedOrigins is a comma-separated list of browser origins; empty accepts any origin.
	AllowedOrigins   string        `env:"TUITUI_WS_ALLOWED_ORIGINS"`
	WSSendQueue      int           `env:"TUITUI_WS_SEND_QUEUE,default=256" validate:"gt=0"`
	WSWriteTimeout   time.Duration `env:"TUITUI_WS_WRITE_TIMEOUT,default=5s" validate:"gt=0"`
	WSHeartbeat      time.Duration `env:"TUITUI_WS_HEARTBEAT,default=25s"`
	WSRateEvents     int           `env:"TUITUI_WS_RATE_EVENTS,default=30" validate:"gt=0"`
	WSRateWindow     time.Duration `env:"TUITUI_WS_RATE_WINDOW,default=1s" validate:"gt=0"`
	WSConnectTimeout time.Duration `env:"TUITUI_WS_CONNECT_TIMEOUT,default=10s" validate:"gt=0"`
}

// Origins returns AllowedOrigins split into a list.
func (c ServerConfig) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// ClientConfig configures the chat client (cmd/tuitui-chat).
type ClientConfig struct {
	APIURL string `env:"TUITUI_API_URL,default=http://127.0.0.1:8080" validate:"required,url"`

	// WSURL defaults to APIURL with a ws(s) scheme and the STOMP endpoint path.
	WSURL string `env:"TUITUI_WS_URL" validate:"omitempty,url"`

	LogLevel  string `env:"TUITUI_LOG_LEVEL,default=warn" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"TUITUI_LOG_FORMAT,default=pretty" validate:"oneof=json pretty"`

	AccessToken  string `env:"TUITUI_ACCESS_TOKEN"`
	RefreshToken string `env:"TUITUI_REFRESH_TOKEN"`
	ProfileID    int64  `env:"TUITUI_PROFILE_ID" validate:"gte=0"`

	ReconnectDelay       time.Duration `env:"TUITUI_RECONNECT_DELAY,default=1s" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `env:"TUITUI_RECONNECT_MAX_DELAY,default=30s" validate:"gtefield=ReconnectDelay"`
	ReconnectJitter      float64       `env:"TUITUI_RECONNECT_JITTER,default=0.5" validate:"gte=0,lte=1"`
	MaxReconnectAttempts int           `env:"TUITUI_MAX_RECONNECT_ATTEMPTS,default=10" validate:"gte=0"`
	QueueCap             int           `env:"TUITUI_OUTBOUND_QUEUE,default=100" validate:"gt=0"`
	PublishTimeout       time.Duration `env:"TUITUI_PUBLISH_TIMEOUT,default=10s" validate:"gt=0"`
	HistoryPageSize      int           `env:"TUITUI_HISTORY_PAGE_SIZE,default=20" validate:"gt=0,lte=200"`
	PingInterval         time.Duration `env:"TUITUI_PING_INTERVAL,default=25s"`
}

var validate = validator.New()

// LoadServerConfig reads ServerConfig from the environment. Files in dotenv (e.g. ".env") are
// loaded first when they exist; variables already set win.
func LoadServerConfig(dotenv ...string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := load(&cfg, dotenv); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClientConfig reads ClientConfig from the environment, see LoadServerConfig.
func LoadClientConfig(dotenv ...string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := load(&cfg, dotenv); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func load(dst any, dotenv []string) error {
	if err := loadDotenv(dotenv); err != nil {
		return err
	}
	if _, err := env.UnmarshalFromEnviron(dst); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func loadDotenv(files []string) error {
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: %s: %w", f, err)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("config: dotenv: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
