package domain

import "fmt"

// DecodeOptions is the caller-supplied decoder tuning map. Only the keys
// below are recognized; intake rejects anything else.
type DecodeOptions map[string]any

var decodeOptionKeys = map[string]func(any) bool{
	"language":                        isString,
	"temperature":                     isTemperature,
	"compression_ratio_threshold":     isNumber,
	"no_speech_threshold":             isNumber,
	"condition_on_previous_text":      isBool,
	"initial_prompt":                  isString,
	"word_timestamps":                 isBool,
	"prepend_punctuations":            isString,
	"append_punctuations":             isString,
	"clip_timestamps":                 isClipTimestamps,
	"hallucination_silence_threshold": isNumber,
}

// Validate checks every key against the recognized set and its expected type.
func (o DecodeOptions) Validate() error {
	for k, v := range o {
		check, ok := decodeOptionKeys[k]
		if !ok {
			return fmt.Errorf("%w: unknown decode option %q", ErrInvalidArgument, k)
		}
		if v == nil {
			continue
		}
		if !check(v) {
			return fmt.Errorf("%w: decode option %q has invalid value", ErrInvalidArgument, k)
		}
	}
	return nil
}

func isString(v any) bool { _, ok := v.(string); return ok }

func isBool(v any) bool { _, ok := v.(bool); return ok }

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

// isTemperature accepts a scalar or an ordered list of fallback temperatures.
func isTemperature(v any) bool {
	if isNumber(v) {
		return true
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	for _, e := range list {
		if !isNumber(e) {
			return false
		}
	}
	return true
}

// isClipTimestamps accepts a comma-separated string or a list of offsets.
func isClipTimestamps(v any) bool {
	if isString(v) {
		return true
	}
	list, ok := v.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if !isNumber(e) {
			return false
		}
	}
	return true
}
