package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production emits JSON for log
// shipping; anything else gets the readable text handler. Every record
// carries the service name so the API and worker logs can be told apart.
func NewLogger(cfg *Config) *slog.Logger {
	var handler slog.Handler
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	return slog.New(handler).With(slog.String("service", "ledgerline"))
}
