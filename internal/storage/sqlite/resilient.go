package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every call to the inner store with the circuit
// breaker and lock retries.
type ResilientStore struct {
	inner storage.Store
	cb    *CircuitBreaker
}

// NewResilient uses a breaker with threshold 5 and a 30s reset timeout.
func NewResilient(inner storage.Store, logger *slog.Logger) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second, nil, logger)}
}

func NewResilientWithBreaker(inner storage.Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
}

func (r *ResilientStore) LogAction(ctx context.Context, a core.Action) error {
	return r.do(ctx, func() error { return r.inner.LogAction(ctx, a) })
}

func (r *ResilientStore) CountActionsSince(ctx context.Context, kind core.ActionKind, since time.Time) (int, error) {
	var n int
	err := r.do(ctx, func() error {
		var innerErr error
		n, innerErr = r.inner.CountActionsSince(ctx, kind, since)
		return innerErr
	})
	return n, err
}

func (r *ResilientStore) LastActionTime(ctx context.Context, kind core.ActionKind) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := r.do(ctx, func() error {
		var innerErr error
		at, ok, innerErr = r.inner.LastActionTime(ctx, kind)
		return innerErr
	})
	return at, ok, err
}

func (r *ResilientStore) RecentActions(ctx context.Context, kind core.ActionKind, limit int) ([]core.Action, error) {
	var out []core.Action
	err := r.do(ctx, func() error {
		var innerErr error
		out, innerErr = r.inner.RecentActions(ctx, kind, limit)
		return innerErr
	})
	return out, err
}

func (r *ResilientStore) HasTriggeredResponse(ctx context.Context, eventID string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() error {
		var innerErr error
		ok, innerErr = r.inner.HasTriggeredResponse(ctx, eventID)
		return innerErr
	})
	return ok, err
}

func (r *ResilientStore) RecordMessage(ctx context.Context, msg core.ChannelMessage) error {
	return r.do(ctx, func() error { return r.inner.RecordMessage(ctx, msg) })
}

func (r *ResilientStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error) {
	var out []core.ChannelMessage
	err := r.do(ctx, func() error {
		var innerErr error
		out, innerErr = r.inner.RecentMessages(ctx, channelID, limit)
		return innerErr
	})
	return out, err
}

func (r *ResilientStore) LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := r.do(ctx, func() error {
		var innerErr error
		at, ok, innerErr = r.inner.LastBotMessageAt(ctx, channelID)
		return innerErr
	})
	return at, ok, err
}

func (r *ResilientStore) Settings(ctx context.Context) (settings.Settings, error) {
	var out settings.Settings
	err := r.do(ctx, func() error {
		var innerErr error
		out, innerErr = r.inner.Settings(ctx)
		return innerErr
	})
	return out, err
}

func (r *ResilientStore) SaveSettings(ctx context.Context, s settings.Settings) error {
	return r.do(ctx, func() error { return r.inner.SaveSettings(ctx, s) })
}

func (r *ResilientStore) PruneActions(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := r.do(ctx, func() error {
		var innerErr error
		n, innerErr = r.inner.PruneActions(ctx, before)
		return innerErr
	})
	return n, err
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
