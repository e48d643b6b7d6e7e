// Package replyqueue serializes reply work per channel. Each channel has
// at most one worker; the worker coalesces rapid messages into bursts,
// honours the cooldown and hourly budget, and dispatches one turn at a
// time.
package replyqueue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// Turn is one merged burst handed to the dispatcher.
type Turn struct {
	ChannelID    string
	Jobs         []core.ReplyJob
	Signal       *core.AddressSignal
	ForceRespond bool
	Source       string
	Settings     settings.Settings
}

// Latest is the newest event of the burst; replies thread onto it.
func (t Turn) Latest() core.IncomingEvent {
	latest := t.Jobs[0].Event
	for _, j := range t.Jobs[1:] {
		if !j.Event.CreatedAt.Before(latest.CreatedAt) {
			latest = j.Event
		}
	}
	return latest
}

// EventIDs lists the burst's event ids in queue order.
func (t Turn) EventIDs() []string {
	ids := make([]string, len(t.Jobs))
	for i, j := range t.Jobs {
		ids[i] = j.Event.ID
	}
	return ids
}

// Outcome reports what a dispatched turn did. Reason explains a decline.
type Outcome struct {
	Spoke  bool
	Reason string
}

// Dispatcher decides and sends one turn. An error marks the burst for
// retry.
type Dispatcher interface {
	DispatchTurn(ctx context.Context, turn Turn) (Outcome, error)
}

// Store is the slice of the action log the queue reads and writes.
type Store interface {
	HasTriggeredResponse(ctx context.Context, eventID string) (bool, error)
	LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error)
	LogAction(ctx context.Context, a core.Action) error
}

// BudgetSource snapshots the hourly message budget.
type BudgetSource interface {
	Snapshot(ctx context.Context, spec budget.Spec) (core.Budget, error)
}

// Options tunes the queue. Zero fields take the DefaultOptions value.
type Options struct {
	// MaxQueue is the per-channel overflow cap.
	MaxQueue int
	// MaxAttempts bounds dispatches of a failing burst.
	MaxAttempts int
	// RetryBase is multiplied by the attempt number.
	RetryBase time.Duration
	// EdgeGrace extends the coalescing window for a lone job. A negative
	// value disables it.
	EdgeGrace time.Duration
	// BudgetBackoff is the fixed wait while the hourly budget is spent.
	BudgetBackoff time.Duration
	// MaxWaitStep caps a single sleep before state is re-checked.
	MaxWaitStep time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MaxQueue:      60,
		MaxAttempts:   2,
		RetryBase:     2 * time.Second,
		EdgeGrace:     250 * time.Millisecond,
		BudgetBackoff: time.Minute,
		MaxWaitStep:   30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxQueue <= 0 {
		o.MaxQueue = d.MaxQueue
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	switch {
	case o.EdgeGrace == 0:
		o.EdgeGrace = d.EdgeGrace
	case o.EdgeGrace < 0:
		o.EdgeGrace = 0
	}
	if o.BudgetBackoff <= 0 {
		o.BudgetBackoff = d.BudgetBackoff
	}
	if o.MaxWaitStep <= 0 {
		o.MaxWaitStep = d.MaxWaitStep
	}
	return o
}

// Deps are the queue's collaborators. Budgets may be nil to skip the
// hourly budget gate.
type Deps struct {
	Settings   settings.Provider
	Store      Store
	Budgets    BudgetSource
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger
}

type channelState struct {
	jobs   []core.ReplyJob
	queued map[string]struct{}
	active bool
}

// Queue holds one FIFO per channel and runs at most one worker for each.
type Queue struct {
	mu       sync.Mutex
	channels map[string]*channelState

	deps   Deps
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	workers  sync.WaitGroup
}

// New returns an idle queue. Workers start on the first Enqueue for a
// channel; call Stop or Run to shut them down.
func New(deps Deps, opts Options) *Queue {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		channels: make(map[string]*channelState),
		deps:     deps,
		opts:     opts.withDefaults(),
		clock:    clock.OrReal(deps.Clock),
		logger:   logger.With("component", "replyqueue"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue admits job into its channel queue. It returns false for
// duplicates, overflow, or after Stop.
func (q *Queue) Enqueue(job core.ReplyJob) bool {
	if q.stopping.Load() {
		return false
	}
	ev := job.Event
	if ev.ID == "" || ev.ChannelID == "" {
		q.logger.Warn("reply_queue_invalid_job", "event_id", ev.ID, "channel_id", ev.ChannelID)
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now()
	}

	q.mu.Lock()
	if q.stopping.Load() {
		q.mu.Unlock()
		return false
	}
	st := q.channels[ev.ChannelID]
	if st == nil {
		st = &channelState{queued: make(map[string]struct{})}
		q.channels[ev.ChannelID] = st
	}
	if _, dup := st.queued[ev.ID]; dup {
		q.mu.Unlock()
		q.logger.Debug("reply_queue_duplicate", "channel_id", ev.ChannelID, "event_id", ev.ID)
		return false
	}
	if len(st.jobs) >= q.opts.MaxQueue {
		depth := len(st.jobs)
		q.mu.Unlock()
		q.overflow(job, depth)
		return false
	}
	st.jobs = append(st.jobs, job)
	st.queued[ev.ID] = struct{}{}
	start := !st.active
	if start {
		st.active = true
		q.workers.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.work(ev.ChannelID)
	}
	return true
}

func (q *Queue) overflow(job core.ReplyJob, depth int) {
	q.logger.Warn("reply_queue_overflow", "channel_id", job.Event.ChannelID, "event_id", job.Event.ID, "depth", depth)
	if q.deps.Store == nil {
		return
	}
	err := q.deps.Store.LogAction(q.ctx, core.Action{
		Kind:      core.ActionReplyQueueOverflow,
		ChannelID: job.Event.ChannelID,
		UserID:    job.Event.AuthorID,
		Metadata:  map[string]any{"event_id": job.Event.ID, "depth": depth, "source": job.Source},
	})
	if err != nil {
		q.logger.Warn("reply_queue_action_log_failed", "error", err)
	}
}

// Len is the number of jobs queued for channelID.
func (q *Queue) Len(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.channels[channelID]; st != nil {
		return len(st.jobs)
	}
	return 0
}

// Depths returns the queue length of every channel with pending work.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.channels))
	for id, st := range q.channels {
		if len(st.jobs) > 0 {
			out[id] = len(st.jobs)
		}
	}
	return out
}

// Stop rejects new jobs, aborts sleeps and waits for workers to exit.
// Queued jobs are discarded.
func (q *Queue) Stop() {
	// Set under mu so no Enqueue can start a worker once Wait begins.
	q.mu.Lock()
	q.stopping.Store(true)
	q.mu.Unlock()
	q.cancel()
	q.workers.Wait()
}

// Wait blocks until every worker has drained its channel.
func (q *Queue) Wait() {
	q.workers.Wait()
}

// Run blocks until ctx is done, then stops the queue.
func (q *Queue) Run(ctx context.Context) error {
	<-ctx.Done()
	q.Stop()
	return nil
}

func (q *Queue) work(channelID string) {
	defer q.workers.Done()
	for {
		q.drain(channelID)
		if !q.release(channelID) {
			return
		}
		q.logger.Debug("reply_queue_worker_restart", "channel_id", channelID)
	}
}

// release clears the active flag unless jobs arrived while the worker was
// finishing, in which case the caller keeps draining.
func (q *Queue) release(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.channels[channelID]
	if st == nil {
		return false
	}
	if len(st.jobs) > 0 && !q.stopping.Load() {
		return true
	}
	st.active = false
	if len(st.jobs) == 0 {
		delete(q.channels, channelID)
	}
	return false
}

func (q *Queue) peek(channelID string) (core.ReplyJob, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.channels[channelID]
	if st == nil || len(st.jobs) == 0 {
		return core.ReplyJob{}, 0, false
	}
	return st.jobs[0], len(st.jobs), true
}

func (q *Queue) dropHead(channelID, eventID, reason string) {
	q.mu.Lock()
	st := q.channels[channelID]
	if st != nil && len(st.jobs) > 0 && st.jobs[0].Event.ID == eventID {
		st.jobs = st.jobs[1:]
		delete(st.queued, eventID)
	}
	q.mu.Unlock()
	q.logger.Info("reply_job_dropped", "channel_id", channelID, "event_id", eventID, "reason", reason)
}

// requeue puts jobs back at the head in their original order, skipping
// any id that was enqueued again meanwhile.
func (q *Queue) requeue(channelID string, jobs []core.ReplyJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.channels[channelID]
	if st == nil {
		st = &channelState{queued: make(map[string]struct{}), active: true}
		q.channels[channelID] = st
	}
	head := make([]core.ReplyJob, 0, len(jobs)+len(st.jobs))
	for _, j := range jobs {
		if _, dup := st.queued[j.Event.ID]; dup {
			continue
		}
		st.queued[j.Event.ID] = struct{}{}
		head = append(head, j)
	}
	st.jobs = append(head, st.jobs...)
}

// sleep waits on the injected clock. It returns false when the queue is
// stopping.
func (q *Queue) sleep(d time.Duration) bool {
	if q.stopping.Load() {
		return false
	}
	if d > q.opts.MaxWaitStep {
		d = q.opts.MaxWaitStep
	}
	select {
	case <-q.ctx.Done():
		return false
	case <-q.clock.After(d):
		return !q.stopping.Load()
	}
}

func eventTime(j core.ReplyJob) time.Time {
	if !j.Event.CreatedAt.IsZero() {
		return j.Event.CreatedAt
	}
	return j.EnqueuedAt
}
