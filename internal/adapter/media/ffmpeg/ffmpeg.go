// Package ffmpeg shells out to ffprobe/ffmpeg for media inspection and audio
// extraction. Both binaries must be on PATH.
package ffmpeg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Prober implements domain.MediaProber with ffprobe.
type Prober struct {
	// Binary overrides the ffprobe executable name. Empty means "ffprobe".
	Binary string
}

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the container duration in seconds.
func (p Prober) Duration(ctx domain.Context, path string) (float64, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: probe %s: %v: %s", domain.ErrUnsupportedMedia, filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	var pf probeFormat
	if err := json.Unmarshal(out.Bytes(), &pf); err != nil {
		return 0, fmt.Errorf("op=ffprobe.parse: %w", err)
	}
	if pf.Format.Duration == "" {
		return 0, fmt.Errorf("%w: no duration reported for %s", domain.ErrUnsupportedMedia, filepath.Base(path))
	}
	d, err := strconv.ParseFloat(pf.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("op=ffprobe.parse: %w", err)
	}
	return d, nil
}

// ExtractOptions controls audio extraction.
type ExtractOptions struct {
	// Format is the target container: "wav" or "mp3".
	Format string
	// SampleRate in Hz. Zero means 16000.
	SampleRate int
	// BitDepth in bytes per sample for wav output (2 -> pcm_s16le, 4 ->
	// pcm_s32le). Zero means 2.
	BitDepth int
	// Mono downmixes to a single channel.
	Mono bool
}

// Extractor pulls the audio track out of a media file with ffmpeg.
type Extractor struct {
	// Binary overrides the ffmpeg executable name. Empty means "ffmpeg".
	Binary string
}

// Extract writes the audio track of inputPath to outputPath. The output
// format follows opts.Format, not the outputPath extension.
func (e Extractor) Extract(ctx domain.Context, inputPath, outputPath string, opts ExtractOptions) error {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.BitDepth <= 0 {
		opts.BitDepth = 2
	}
	args := []string{"-y", "-i", inputPath, "-vn", "-ar", strconv.Itoa(opts.SampleRate)}
	switch opts.Format {
	case "wav", "":
		codec := "pcm_s16le"
		if opts.BitDepth >= 4 {
			codec = "pcm_s32le"
		}
		args = append(args, "-acodec", codec, "-f", "wav")
	case "mp3":
		args = append(args, "-acodec", "libmp3lame", "-f", "mp3")
	default:
		return fmt.Errorf("%w: audio format %q", domain.ErrInvalidArgument, opts.Format)
	}
	if opts.Mono {
		args = append(args, "-ac", "1")
	}
	args = append(args, outputPath)

	bin := e.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: extract audio from %s: %v: %s", domain.ErrUnsupportedMedia, filepath.Base(inputPath), err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine keeps error payloads small: ffmpeg's stderr is verbose and only
// the final line states the failure.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
