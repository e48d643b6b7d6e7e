// Package bot wires the runtime: the transport event loop, per-channel
// reply queues, the gateway monitor, the initiative scheduler and the
// action-log pruner all run under one errgroup.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interject/internal/address"
	"github.com/mistakeknot/interject/internal/admission"
	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/gateway"
	"github.com/mistakeknot/interject/internal/initiative"
	"github.com/mistakeknot/interject/internal/llm"
	"github.com/mistakeknot/interject/internal/replyqueue"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
	"github.com/mistakeknot/interject/internal/transport"
)

type Deps struct {
	Transport transport.ChatTransport
	Store     storage.Store
	// Settings defaults to the store.
	Settings settings.Provider
	// Generator may be nil; replies are then skipped and the address
	// classifier falls back.
	Generator llm.Generator
	Rand      admission.Rand
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Options struct {
	Queue         replyqueue.Options
	Gateway       gateway.Options
	Initiative    initiative.Options
	Retention     time.Duration
	PruneInterval time.Duration
}

type Bot struct {
	transport transport.ChatTransport
	store     storage.Store
	settings  *identitySettings
	clock     clock.Clock
	logger    *slog.Logger

	policy    *admission.Policy
	budgets   *budget.Tracker
	queue     *replyqueue.Queue
	monitor   *gateway.Monitor
	scheduler *initiative.Scheduler
	pruner    *storage.Pruner
}

func New(deps Deps, opts Options) (*Bot, error) {
	if deps.Transport == nil {
		return nil, errors.New("bot: transport required")
	}
	if deps.Store == nil {
		return nil, errors.New("bot: store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(deps.Clock)
	rng := deps.Rand
	if rng == nil {
		rng = NewRandFromEntropy()
	}
	provider := deps.Settings
	if provider == nil {
		provider = deps.Store
	}
	view := &identitySettings{inner: provider}

	var gen llm.Generator
	if deps.Generator != nil {
		gen = llm.NewRecorder(deps.Generator, deps.Store, logger)
	}
	var scorer admission.Scorer
	if gen != nil {
		scorer = address.New(gen, deps.Store, logger)
	}

	b := &Bot{
		transport: deps.Transport,
		store:     deps.Store,
		settings:  view,
		clock:     clk,
		logger:    logger.With("component", "bot"),
		policy:    admission.New(scorer, deps.Store, rng, logger),
		budgets:   budget.NewTracker(deps.Store, clk),
	}
	responder := &Responder{
		policy:    b.policy,
		budgets:   b.budgets,
		store:     deps.Store,
		transport: deps.Transport,
		gen:       gen,
		clock:     clk,
		logger:    logger.With("component", "responder"),
	}
	b.queue = replyqueue.New(replyqueue.Deps{
		Settings:   view,
		Store:      deps.Store,
		Budgets:    b.budgets,
		Dispatcher: responder,
		Clock:      clk,
		Logger:     logger,
	}, opts.Queue)
	b.monitor = gateway.NewMonitor(deps.Transport, deps.Store, clk, logger, opts.Gateway)
	b.scheduler = initiative.New(initiative.Deps{
		Settings: view,
		Store:    deps.Store,
		Budgets:  b.budgets,
		Poster: &Poster{
			settings:  view,
			store:     deps.Store,
			transport: deps.Transport,
			gen:       gen,
			clock:     clk,
			logger:    logger.With("component", "poster"),
		},
		Rand:   rng,
		Clock:  clk,
		Logger: logger,
	}, opts.Initiative)
	b.pruner = storage.NewPruner(deps.Store, clk, logger, opts.PruneInterval, opts.Retention)
	return b, nil
}

// Run connects and serves until ctx is done or a component fails.
func (b *Bot) Run(ctx context.Context) error {
	b.runtimeAction(ctx, "start")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.eventLoop(gctx) })
	g.Go(func() error { return b.queue.Run(gctx) })
	g.Go(func() error { return b.monitor.Run(gctx) })
	g.Go(func() error { return b.scheduler.Run(gctx) })
	g.Go(func() error { return b.pruner.Run(gctx) })
	b.monitor.Start(gctx)

	err := g.Wait()
	if derr := b.transport.Destroy(context.WithoutCancel(ctx)); derr != nil {
		b.logger.Debug("transport_destroy_failed", "error", derr)
	}
	b.runtimeAction(ctx, "stop")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bot runtime: %w", err)
	}
	return nil
}

func (b *Bot) eventLoop(ctx context.Context) error {
	events := b.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("transport event stream closed")
			}
			b.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent processes one transport event.
func (b *Bot) HandleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventReady:
		b.settings.set(ev.Self)
	case transport.EventMessageCreate:
		b.monitor.Observe(gateway.SignalMessage)
		b.onMessage(ctx, ev.Message)
		return
	case transport.EventShardDisconnect, transport.EventShardError, transport.EventError, transport.EventInvalidated:
		b.logger.Warn("transport_event", "kind", string(ev.Kind), "error", ev.Err)
	}
	b.monitor.Observe(gateway.Signal(ev.Kind))
}

func (b *Bot) onMessage(ctx context.Context, e core.IncomingEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.clock.Now()
	}
	err := b.store.RecordMessage(ctx, core.ChannelMessage{
		ID:           e.ID,
		ChannelID:    e.ChannelID,
		AuthorID:     e.AuthorID,
		AuthorName:   e.AuthorName,
		IsBot:        e.AuthorIsBot,
		Content:      e.Content,
		CreatedAt:    e.CreatedAt,
		ReferencedID: e.ReferencedID,
	})
	if err != nil {
		b.logger.Warn("message_record_failed", "event_id", e.ID, "error", err)
	}

	s, err := b.settings.Settings(ctx)
	if err != nil {
		b.logger.Warn("settings_load_failed", "error", err)
		return
	}
	if ok, reason := admission.CheckGates(s, e); !ok {
		b.logger.Debug("message_gated", "event_id", e.ID, "reason", reason)
		return
	}
	job := core.ReplyJob{Event: e, Source: "message"}
	if admission.IsDirect(s, e) {
		sig := core.AddressSignal{
			Direct:     true,
			Triggered:  true,
			Confidence: 1,
			Threshold:  address.ClampThreshold(s.Addressing.Threshold),
			Source:     core.SourceDirect,
			Reason:     admission.SignalReasonDirect,
		}
		job.Signal = &sig
	}
	b.queue.Enqueue(job)
}

// Enqueue admits an externally built job, e.g. a forced reply.
func (b *Bot) Enqueue(job core.ReplyJob) bool {
	return b.queue.Enqueue(job)
}

// Wait blocks until every reply queue is idle.
func (b *Bot) Wait() { b.queue.Wait() }

type Status struct {
	Ready       bool
	Gateway     core.GatewayState
	QueueDepths map[string]int
	Budgets     []core.Budget
}

func (b *Bot) Status(ctx context.Context) (Status, error) {
	st := Status{
		Ready:       b.transport.IsReady(),
		Gateway:     b.monitor.State(),
		QueueDepths: b.queue.Depths(),
	}
	s, err := b.settings.Settings(ctx)
	if err != nil {
		return st, fmt.Errorf("load settings: %w", err)
	}
	st.Budgets, err = b.budgets.Snapshots(ctx, s)
	return st, err
}

func (b *Bot) runtimeAction(ctx context.Context, phase string) {
	err := b.store.LogAction(context.WithoutCancel(ctx), core.Action{
		Kind:      core.ActionBotRuntime,
		Content:   phase,
		CreatedAt: b.clock.Now(),
	})
	if err != nil {
		b.logger.Warn("runtime_action_log_failed", "phase", phase, "error", err)
	}
	b.logger.Info("bot_runtime", "phase", phase)
}
