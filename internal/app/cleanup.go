package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// RunRetention periodically purges terminal jobs older than the retention
// window. Blocks until ctx ends; run it in its own goroutine.
func RunRetention(ctx context.Context, repo domain.JobRepository, retentionDays int, interval time.Duration) {
	if retentionDays <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			n, err := repo.PurgeTerminal(ctx, cutoff)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("retention purge failed", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				slog.Info("retention purge removed jobs", slog.Int64("count", n), slog.Time("cutoff", cutoff))
			}
		}
	}
}
