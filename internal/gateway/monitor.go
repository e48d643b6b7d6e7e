// Package gateway keeps the realtime connection alive. It watches liveness
// signals, runs a periodic staleness check and reconnects with capped
// exponential backoff. Connection loss is never fatal.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
)

// Signal is a connection lifecycle event as reported by the transport.
type Signal string

const (
	SignalReady       Signal = "ready"
	SignalResume      Signal = "shard_resume"
	SignalMessage     Signal = "message_create"
	SignalDisconnect  Signal = "shard_disconnect"
	SignalShardError  Signal = "shard_error"
	SignalError       Signal = "error"
	SignalInvalidated Signal = "invalidated"
)

// Connection is the part of the chat transport the monitor drives.
type Connection interface {
	Login(ctx context.Context) error
	Destroy(ctx context.Context) error
	IsReady() bool
}

// ActionLogger records successful reconnects.
type ActionLogger interface {
	LogAction(ctx context.Context, a core.Action) error
}

// Options tunes backoff and health checking. Zero fields take the
// DefaultOptions value.
type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	StaleThreshold    time.Duration
	HealthInterval    time.Duration
	InvalidationDelay time.Duration
}

// DefaultOptions is 5s base, 60s cap, 2m staleness, 30s health checks
// and a 5s delay after invalidation.
func DefaultOptions() Options {
	return Options{
		BaseDelay:         5 * time.Second,
		MaxDelay:          60 * time.Second,
		StaleThreshold:    2 * time.Minute,
		HealthInterval:    30 * time.Second,
		InvalidationDelay: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = d.StaleThreshold
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = d.HealthInterval
	}
	if o.InvalidationDelay <= 0 {
		o.InvalidationDelay = d.InvalidationDelay
	}
	return o
}

// BackoffDelay returns min(max, base*2^(attempts-1)). Attempts below one
// are treated as one.
func BackoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Monitor keeps one gateway connection alive. At most one reconnect runs
// and at most one reconnect timer is pending at a time.
type Monitor struct {
	conn   Connection
	log    ActionLogger
	clock  clock.Clock
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	state   core.GatewayState
	pending clock.Timer
	ctx     context.Context

	stopping atomic.Bool
}

// NewMonitor does not connect; call Start.
func NewMonitor(conn Connection, log ActionLogger, clk clock.Clock, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		conn:   conn,
		log:    log,
		clock:  clock.OrReal(clk),
		logger: logger.With("component", "gateway"),
		opts:   opts.withDefaults(),
		ctx:    context.Background(),
	}
}

// Start performs the first login. A failure schedules a backoff retry
// instead of returning an error.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	m.connect(ctx, "startup", false)
}

// Run performs the periodic health check until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return nil
		case <-ticker.C():
			m.CheckHealth(ctx)
		}
	}
}

// Stop cancels any pending reconnect and blocks new ones.
func (m *Monitor) Stop() {
	m.stopping.Store(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Monitor) State() core.GatewayState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe records a lifecycle signal from the transport.
func (m *Monitor) Observe(sig Signal) {
	now := m.clock.Now()
	switch sig {
	case SignalReady, SignalResume:
		m.mu.Lock()
		m.state.LastEventAt = now
		m.state.ReconnectAttempts = 0
		m.state.HasConnectedOnce = true
		m.mu.Unlock()
		m.logger.Info("gateway_ready", "signal", string(sig))
	case SignalInvalidated:
		m.logger.Warn("gateway_session_invalidated")
		m.ScheduleReconnect(m.opts.InvalidationDelay, "invalidated")
	case SignalDisconnect, SignalShardError, SignalError:
		m.logger.Warn("gateway_connection_signal", "signal", string(sig))
	default:
		m.mu.Lock()
		m.state.LastEventAt = now
		m.mu.Unlock()
	}
}

// CheckHealth reconnects when the transport is not ready and nothing has
// been heard for the stale threshold.
func (m *Monitor) CheckHealth(ctx context.Context) {
	if m.stopping.Load() || m.conn.IsReady() {
		return
	}
	m.mu.Lock()
	silent := m.clock.Now().Sub(m.state.LastEventAt)
	m.mu.Unlock()
	if silent < m.opts.StaleThreshold {
		return
	}
	m.logger.Warn("gateway_stale", "silent_for", silent.Round(time.Second))
	m.Reconnect(ctx, "stale")
}

// Reconnect tears the connection down and logs in again. It returns false
// when another reconnect is already running or the monitor is stopping.
func (m *Monitor) Reconnect(ctx context.Context, reason string) bool {
	return m.connect(ctx, reason, true)
}

func (m *Monitor) connect(ctx context.Context, reason string, teardown bool) bool {
	if m.stopping.Load() {
		return false
	}
	m.mu.Lock()
	if m.state.ReconnectInFlight {
		m.mu.Unlock()
		m.logger.Debug("gateway_reconnect_in_flight", "reason", reason)
		return false
	}
	m.state.ReconnectInFlight = true
	m.mu.Unlock()

	if teardown {
		if err := m.conn.Destroy(ctx); err != nil {
			m.logger.Debug("gateway_teardown_failed", "error", err)
		}
	}
	err := m.conn.Login(ctx)

	m.mu.Lock()
	m.state.ReconnectInFlight = false
	if err != nil {
		m.state.ReconnectAttempts++
		attempts := m.state.ReconnectAttempts
		m.mu.Unlock()
		if m.stopping.Load() {
			return true
		}
		delay := BackoffDelay(attempts, m.opts.BaseDelay, m.opts.MaxDelay)
		m.logger.Warn("gateway_reconnect_failed", "reason", reason, "attempt", attempts, "retry_in", delay, "error", err)
		m.ScheduleReconnect(delay, "retry")
		return true
	}
	attempts := m.state.ReconnectAttempts
	m.state.ReconnectAttempts = 0
	m.state.LastEventAt = m.clock.Now()
	m.state.HasConnectedOnce = true
	m.mu.Unlock()

	m.logger.Info("gateway_connected", "reason", reason, "after_attempts", attempts)
	if teardown && m.log != nil {
		lerr := m.log.LogAction(context.WithoutCancel(ctx), core.Action{
			Kind:     core.ActionGatewayReconnect,
			Content:  reason,
			Metadata: map[string]any{"reason": reason, "failed_attempts": attempts},
		})
		if lerr != nil {
			m.logger.Warn("gateway_action_log_failed", "error", lerr)
		}
	}
	return true
}

// ScheduleReconnect arms the single reconnect timer. It is a no-op while
// a timer is already pending.
func (m *Monitor) ScheduleReconnect(delay time.Duration, reason string) bool {
	if m.stopping.Load() {
		return false
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.logger.Debug("gateway_reconnect_already_scheduled", "reason", reason)
		return false
	}
	ctx := m.ctx
	m.pending = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
		m.Reconnect(ctx, reason)
	})
	m.logger.Info("gateway_reconnect_scheduled", "reason", reason, "delay", delay)
	return true
}
