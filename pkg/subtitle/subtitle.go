// Package subtitle renders transcription segments as SRT or WebVTT text and
// parses SRT back into segments.
package subtitle

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cue is one subtitle entry with millisecond-resolution boundaries.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// FormatSRT renders cues as SubRip text.
func FormatSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n", c.Index)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(c.Start, ','), formatTimestamp(c.End, ','))
		b.WriteString(strings.TrimSpace(c.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// FormatVTT renders cues as WebVTT text.
func FormatVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, c := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(c.Start, '.'), formatTimestamp(c.End, '.'))
		b.WriteString(strings.TrimSpace(c.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// ParseSRT reads SubRip text back into cues. Lenient about blank lines and
// trailing whitespace; strict about the timestamp arrow line.
func ParseSRT(s string) ([]Cue, error) {
	var cues []Cue
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("srt: expected cue index, got %q", line)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("srt: cue %d missing timestamp line", idx)
		}
		start, end, err := parseTimestampLine(strings.TrimSpace(sc.Text()))
		if err != nil {
			return nil, fmt.Errorf("srt: cue %d: %w", idx, err)
		}
		var text []string
		for sc.Scan() {
			t := strings.TrimSpace(sc.Text())
			if t == "" {
				break
			}
			text = append(text, t)
		}
		cues = append(cues, Cue{Index: idx, Start: start, End: end, Text: strings.Join(text, "\n")})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("srt: scan: %w", err)
	}
	return cues, nil
}

func parseTimestampLine(line string) (time.Duration, time.Duration, error) {
	parts := strings.Split(line, " --> ")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad timestamp line %q", line)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTimestamp(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseTimestamp(s string) (time.Duration, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}

func formatTimestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
