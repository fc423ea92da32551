package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const maxJSONRetries = 2

// ParseJSON attempts to parse a JSON value out of raw LM output, stripping
// markdown fences and surrounding prose when the output is not pure JSON.
func ParseJSON[T any](raw string) (T, error) {
	var result T

	if err := json.Unmarshal([]byte(raw), &result); err == nil {
		return result, nil
	}

	cleaned := extractJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	var zero T
	return zero, fmt.Errorf("response is not valid JSON: %s", clip(raw, 200))
}

// CompleteJSON runs a completion and parses its output as T. On parse failure
// it issues up to maxJSONRetries format-correction completions that echo the
// parse problem back to the model.
func CompleteJSON[T any](ctx context.Context, t Transport, opts Options) (T, error) {
	raw, err := Complete(ctx, t, opts)
	if err != nil {
		var zero T
		return zero, err
	}

	result, parseErr := ParseJSON[T](raw)
	if parseErr == nil {
		return result, nil
	}

	for i := 0; i < maxJSONRetries; i++ {
		slog.Debug("retrying JSON parse with format correction", "attempt", i+1)

		retryOpts := opts
		retryOpts.Prompt = fmt.Sprintf(
			"Your previous response was not valid JSON (%s). Previous response:\n---\n%s\n---\nReturn ONLY the JSON value as specified, with no other text, no markdown fences, no explanation.",
			parseErr, clip(raw, 2000))

		raw, err = Complete(ctx, t, retryOpts)
		if err != nil {
			continue
		}
		result, parseErr = ParseJSON[T](raw)
		if parseErr == nil {
			return result, nil
		}
	}

	var zero T
	return zero, fmt.Errorf("failed to parse JSON response after %d retries: %w", maxJSONRetries, parseErr)
}

// jsonFenceRe captures the body of a ```json fenced block.
var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON returns the most plausible JSON payload inside raw LM output:
// the body of a markdown fence when one is present, then the span from the
// first opening delimiter to the matching kind of closing delimiter. Prose
// around the payload is discarded; hopeless input comes back unchanged.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := jsonFenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// clip bounds a string for error messages and retry prompts.
func clip(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
