// Package whisperexec runs ASR inference through an external worker command.
//
// The command contract:
//
//	<cmd> probe --device <dev>
//	    exits 0 when a model can be loaded on the device.
//	<cmd> infer --device <dev> --task <transcribe|translate> [--options <json>] <audio>
//	    writes a JSON transcription result to stdout.
//
// Exit code 69 (EX_UNAVAIL) signals a device fault the caller may retry on a
// fresh worker; any other non-zero exit is a permanent inference failure.
package whisperexec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

const exitDeviceUnavailable = 69

// Engine implements domain.Engine over an external command.
type Engine struct {
	name    string
	command string
}

// New builds an Engine. name is the engine identity jobs are routed by
// (e.g. "faster_whisper"); command is the worker executable.
func New(name, command string) *Engine {
	return &Engine{name: name, command: command}
}

func (e *Engine) Name() string { return e.name }

// NewWorker probes the device before handing out a worker, so a dead GPU is
// caught at load time rather than on the first job.
func (e *Engine) NewWorker(ctx domain.Context, device string) (domain.EngineWorker, error) {
	w := &worker{command: e.command, device: device, taskDefault: domain.TaskTranscribe}
	if err := w.Ping(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

type worker struct {
	command     string
	device      string
	taskDefault domain.TaskType
}

func (w *worker) Infer(ctx domain.Context, audioPath string, opts domain.DecodeOptions) (domain.TranscriptionResult, error) {
	task := w.taskDefault
	if t, ok := opts["task"].(string); ok && domain.TaskType(t).Valid() {
		task = domain.TaskType(t)
	}
	args := []string{"infer", "--device", w.device, "--task", string(task)}
	if len(opts) > 0 {
		raw, err := json.Marshal(opts)
		if err != nil {
			return domain.TranscriptionResult{}, fmt.Errorf("op=whisperexec.infer: %w", err)
		}
		args = append(args, "--options", string(raw))
	}
	args = append(args, audioPath)

	cmd := exec.CommandContext(ctx, w.command, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return domain.TranscriptionResult{}, classify(err, stderr.String())
	}
	var res domain.TranscriptionResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=whisperexec.infer: decode worker output: %w", err)
	}
	return res, nil
}

func (w *worker) Ping(ctx domain.Context) error {
	cmd := exec.CommandContext(ctx, w.command, "probe", "--device", w.device)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classify(err, stderr.String())
	}
	return nil
}

// Close is a no-op: each call spawns its own process, so there is no
// long-lived resource to release.
func (w *worker) Close() error { return nil }

func classify(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitDeviceUnavailable {
		return fmt.Errorf("%w: %s", domain.ErrTransientDevice, msg)
	}
	if msg == "" {
		return fmt.Errorf("op=whisperexec.run: %w", err)
	}
	return fmt.Errorf("op=whisperexec.run: %w: %s", err, msg)
}
