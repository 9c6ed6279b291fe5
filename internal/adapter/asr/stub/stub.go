// Package stub provides a deterministic in-process ASR engine for development
// and tests. No model is loaded; results are derived from the input path.
package stub

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Engine implements domain.Engine without any external process.
// The zero value is usable.
type Engine struct {
	// EngineName defaults to "stub".
	EngineName string
	// LoadErrs are consumed one per NewWorker call before workers succeed.
	LoadErrs []error
	// InferFn overrides worker inference when set.
	InferFn func(ctx domain.Context, audioPath string, opts domain.DecodeOptions) (domain.TranscriptionResult, error)

	mu      sync.Mutex
	pingErr error
	loads   int
	closed  int
	devices []string
}

func (e *Engine) Name() string {
	if e.EngineName == "" {
		return "stub"
	}
	return e.EngineName
}

func (e *Engine) NewWorker(_ domain.Context, device string) (domain.EngineWorker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.LoadErrs) > 0 {
		err := e.LoadErrs[0]
		e.LoadErrs = e.LoadErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	e.loads++
	e.devices = append(e.devices, device)
	return &worker{engine: e, device: device}, nil
}

// Loads reports how many workers were successfully created.
func (e *Engine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Closed reports how many workers were closed.
func (e *Engine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Devices lists the devices workers were created on, in creation order.
func (e *Engine) Devices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.devices))
	copy(out, e.devices)
	return out
}

type worker struct {
	engine *Engine
	device string
}

func (w *worker) Infer(ctx domain.Context, audioPath string, opts domain.DecodeOptions) (domain.TranscriptionResult, error) {
	if w.engine.InferFn != nil {
		return w.engine.InferFn(ctx, audioPath, opts)
	}
	text := fmt.Sprintf("stub transcript of %s", filepath.Base(audioPath))
	return domain.TranscriptionResult{
		Text: text,
		Segments: []domain.Segment{
			{ID: 0, Start: 0, End: 1, Text: text},
		},
		Info: map[string]any{"language": "en", "device": w.device},
	}, nil
}

// SetPingErr makes every worker Ping return err until cleared.
func (e *Engine) SetPingErr(err error) {
	e.mu.Lock()
	e.pingErr = err
	e.mu.Unlock()
}

func (w *worker) Ping(domain.Context) error {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()
	return w.engine.pingErr
}

func (w *worker) Close() error {
	w.engine.mu.Lock()
	w.engine.closed++
	w.engine.mu.Unlock()
	return nil
}
