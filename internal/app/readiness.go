package app

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/fairyhunter13/asr-gateway/internal/service/modelpool"
)

// Pinger is the minimal interface for a store capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck probes the job store.
func StoreCheck(p Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("store not configured")
		}
		return p.Ping(ctx)
	}
}

// PoolCheck reports degraded when the model pool has no live worker capacity.
func PoolCheck(pool *modelpool.Pool) func(ctx context.Context) error {
	return func(context.Context) error {
		if pool == nil {
			return fmt.Errorf("model pool not configured")
		}
		st := pool.Stats()
		if st.Max <= 0 {
			return fmt.Errorf("model pool has zero capacity")
		}
		return nil
	}
}

// FfmpegCheck verifies the media binaries are on PATH.
func FfmpegCheck() func(ctx context.Context) error {
	return func(context.Context) error {
		for _, bin := range []string{"ffmpeg", "ffprobe"} {
			if _, err := exec.LookPath(bin); err != nil {
				return fmt.Errorf("%s not found on PATH", bin)
			}
		}
		return nil
	}
}
