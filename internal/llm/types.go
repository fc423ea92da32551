// Package llm abstracts the language-model transport: a streaming worker that
// accepts a prompt plus a closed option set and yields text while editing the
// workspace as a side effect.
package llm

import (
	"context"
	"strings"
)

// PermissionBypass is the only permission mode the engine uses; every stage
// runs non-interactively.
const PermissionBypass = "bypass"

// ModelRef identifies an LM by provider and model ID.
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// ParseModelRef parses a "provider/model" string into a ModelRef.
func ParseModelRef(s string) ModelRef {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return ModelRef{ProviderID: parts[0], ModelID: parts[1]}
	}
	return ModelRef{ModelID: s}
}

// String returns the "provider/model" representation.
func (m ModelRef) String() string {
	if m.ProviderID == "" {
		return m.ModelID
	}
	return m.ProviderID + "/" + m.ModelID
}

// Options is the closed option set accepted by the transport. Model selection
// is always a per-call option; the transport must never read it from process
// environment.
type Options struct {
	Prompt         string
	Model          ModelRef
	Cwd            string
	PermissionMode string
	MaxTurns       int
}

// Chunk is one streamed piece of LM output.
type Chunk struct {
	Text string
	Err  error
}

// Transport streams LM output for a single completion. Implementations send
// chunks until the stream ends, then close the channel; a terminal error is
// delivered as the final chunk's Err.
type Transport interface {
	StreamCompletion(ctx context.Context, opts Options) (<-chan Chunk, error)
}

// Complete drains a completion stream into one accumulated string.
func Complete(ctx context.Context, t Transport, opts Options) (string, error) {
	if opts.PermissionMode == "" {
		opts.PermissionMode = PermissionBypass
	}

	stream, err := t.StreamCompletion(ctx, opts)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return buf.String(), chunk.Err
		}
		buf.WriteString(chunk.Text)
	}
	return buf.String(), nil
}
