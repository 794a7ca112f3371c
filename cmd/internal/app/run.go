package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by cmd/tuitui-devserver.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(dotenv ...string) error {
	cfg, err := LoadServerConfig(dotenv...)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
