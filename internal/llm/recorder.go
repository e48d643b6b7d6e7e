package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

// ActionLogger is the slice of the store the recorder writes to.
type ActionLogger interface {
	LogAction(ctx context.Context, a core.Action) error
}

// Recorder wraps a Generator and appends an llm_call or llm_error action
// for every generation.
type Recorder struct {
	inner  Generator
	log    ActionLogger
	logger *slog.Logger
}

func NewRecorder(inner Generator, log ActionLogger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{inner: inner, log: log, logger: logger.With("component", "llm")}
}

func (r *Recorder) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := r.inner.Generate(ctx, req)
	meta := map[string]any{
		"source":      req.Trace.Source,
		"event_id":    req.Trace.EventID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	action := core.Action{ChannelID: req.Trace.ChannelID, UserID: req.Trace.UserID, Metadata: meta}
	if err != nil {
		action.Kind = core.ActionLLMError
		action.Content = err.Error()
		r.logger.Warn("llm_call_failed", "source", req.Trace.Source, "error", err)
	} else {
		action.Kind = core.ActionLLMCall
		meta["provider"] = res.Provider
		meta["model"] = res.Model
		meta["output_chars"] = len(res.Text)
	}
	if r.log != nil {
		if lerr := r.log.LogAction(context.WithoutCancel(ctx), action); lerr != nil {
			r.logger.Warn("llm_action_log_failed", "error", lerr)
		}
	}
	return res, err
}
