// Package llm is the text-generation collaborator used for reply content
// and address classification.
package llm

import (
	"context"
	"errors"
)

// Trace carries audit context for one generation.
type Trace struct {
	Source    string
	ChannelID string
	UserID    string
	EventID   string
}

type Request struct {
	System          string
	User            string
	Temperature     float64
	MaxOutputTokens int
	ForceJSON       bool
	Trace           Trace
}

type Result struct {
	Text     string
	Provider string
	Model    string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// ErrNotConfigured is returned by callers that need a generator and have none.
var ErrNotConfigured = errors.New("llm: generator not configured")

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
