package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/asr-gateway/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every record carries the
// service name, environment and engine, so multi-engine deployments stay
// distinguishable in aggregated logs.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("engine", cfg.EngineName),
	)
}
