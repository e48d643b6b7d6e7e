package replyqueue

import (
	"time"

	"github.com/mistakeknot/interject/internal/admission"
	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

const (
	dropAlreadyAnswered = "already_answered"
	dropBudgetDisabled  = "message_budget_disabled"
)

// drain processes the channel until its queue is empty or the queue stops.
func (q *Queue) drain(channelID string) {
	ctx := q.ctx
	for !q.stopping.Load() {
		s, err := q.deps.Settings.Settings(ctx)
		if err != nil {
			if q.stopping.Load() {
				return
			}
			q.logger.Warn("reply_queue_settings_failed", "channel_id", channelID, "error", err)
			if !q.sleep(q.opts.RetryBase) {
				return
			}
			continue
		}

		head, _, ok := q.peek(channelID)
		if !ok {
			return
		}
		if ok, reason := admission.CheckGates(s, head.Event); !ok {
			q.dropHead(channelID, head.Event.ID, reason)
			continue
		}
		answered, err := q.deps.Store.HasTriggeredResponse(ctx, head.Event.ID)
		if err != nil {
			q.logger.Warn("reply_queue_idempotency_check_failed", "event_id", head.Event.ID, "error", err)
		}
		if answered {
			q.dropHead(channelID, head.Event.ID, dropAlreadyAnswered)
			continue
		}

		if wait := q.coalesceWait(channelID, s); wait > 0 {
			q.logger.Debug("reply_queue_coalescing", "channel_id", channelID, "wait", wait)
			if !q.sleep(wait) {
				return
			}
			continue
		}

		wait, reason := q.rateWait(channelID, s)
		// A non-positive hourly cap switches replies off; nothing to wait for.
		if reason == dropBudgetDisabled {
			q.dropHead(channelID, head.Event.ID, reason)
			continue
		}
		if wait > 0 {
			q.logger.Debug("reply_queue_rate_wait", "channel_id", channelID, "reason", reason, "wait", wait)
			if !q.sleep(wait) {
				return
			}
			continue
		}

		jobs := q.takeBurst(channelID, s)
		if len(jobs) == 0 {
			continue
		}
		if !q.dispatch(channelID, jobs, s) {
			return
		}
	}
}

// dispatch sends one turn. It returns false when the queue is stopping.
func (q *Queue) dispatch(channelID string, jobs []core.ReplyJob, s settings.Settings) bool {
	turn := buildTurn(channelID, jobs, s)
	latest := turn.Latest()
	outcome, err := q.deps.Dispatcher.DispatchTurn(q.ctx, turn)
	if q.stopping.Load() {
		return false
	}
	if err != nil {
		return q.retryOrDrop(channelID, jobs, err)
	}
	if outcome.Spoke {
		q.logger.Info("reply_turn_dispatched", "channel_id", channelID, "event_id", latest.ID, "burst", len(jobs))
		return true
	}

	q.logger.Info("reply_turn_declined", "channel_id", channelID, "event_id", latest.ID, "reason", outcome.Reason, "forced", turn.ForceRespond)
	if !turn.ForceRespond {
		return true
	}
	answered, err := q.deps.Store.HasTriggeredResponse(q.ctx, latest.ID)
	if err != nil || answered {
		return true
	}
	// A forced turn the rate gate blocked goes back to the head and waits.
	wait, reason := q.rateWait(channelID, s)
	if wait <= 0 || reason == dropBudgetDisabled {
		return true
	}
	q.requeue(channelID, jobs)
	q.logger.Info("reply_turn_requeued", "channel_id", channelID, "event_id", latest.ID, "reason", reason, "wait", wait)
	return q.sleep(wait)
}

func (q *Queue) retryOrDrop(channelID string, jobs []core.ReplyJob, err error) bool {
	attempt := 0
	for i := range jobs {
		jobs[i].Attempts++
		if jobs[i].Attempts > attempt {
			attempt = jobs[i].Attempts
		}
	}
	if attempt < q.opts.MaxAttempts {
		delay := q.opts.RetryBase * time.Duration(attempt)
		q.requeue(channelID, jobs)
		q.logger.Warn("reply_dispatch_retry_scheduled", "channel_id", channelID, "attempt", attempt, "delay", delay, "error", err)
		return q.sleep(delay)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.Event.ID
	}
	q.logger.Error("reply_dispatch_failed", "channel_id", channelID, "attempts", attempt, "events", ids, "error", err)
	lerr := q.deps.Store.LogAction(q.ctx, core.Action{
		Kind:      core.ActionReplyDispatchFailed,
		ChannelID: channelID,
		Content:   err.Error(),
		Metadata:  map[string]any{"event_ids": ids, "attempts": attempt},
	})
	if lerr != nil {
		q.logger.Warn("reply_queue_action_log_failed", "error", lerr)
	}
	return true
}

// burstLen counts the contiguous run from the head whose neighbours are
// at most window apart, capped at maxBurst.
func burstLen(jobs []core.ReplyJob, window time.Duration, maxBurst int) int {
	if len(jobs) == 0 {
		return 0
	}
	n := 1
	for n < len(jobs) && n < maxBurst {
		if eventTime(jobs[n]).Sub(eventTime(jobs[n-1])) > window {
			break
		}
		n++
	}
	return n
}

// coalesceWait is how long to wait for the current burst to settle: the
// window after its newest message, plus the edge grace for a lone job.
func (q *Queue) coalesceWait(channelID string, s settings.Settings) time.Duration {
	window := s.Activity.CoalesceWindow()
	if window <= 0 {
		return 0
	}
	q.mu.Lock()
	st := q.channels[channelID]
	if st == nil || len(st.jobs) == 0 {
		q.mu.Unlock()
		return 0
	}
	n := burstLen(st.jobs, window, s.Activity.ReplyCoalesceMaxMessages)
	var newest time.Time
	for _, j := range st.jobs[:n] {
		if t := eventTime(j); t.After(newest) {
			newest = t
		}
	}
	lone := len(st.jobs) == 1
	full := n >= s.Activity.ReplyCoalesceMaxMessages
	q.mu.Unlock()

	if full {
		return 0
	}
	deadline := newest.Add(window)
	if lone {
		deadline = deadline.Add(q.opts.EdgeGrace)
	}
	return deadline.Sub(q.clock.Now())
}

// rateWait reports the cooldown or budget wait before the channel may
// speak again.
func (q *Queue) rateWait(channelID string, s settings.Settings) (time.Duration, string) {
	ctx := q.ctx
	now := q.clock.Now()
	if cooldown := s.Activity.Cooldown(); cooldown > 0 {
		last, ok, err := q.deps.Store.LastBotMessageAt(ctx, channelID)
		if err != nil {
			q.logger.Warn("reply_queue_cooldown_check_failed", "channel_id", channelID, "error", err)
		}
		if ok {
			if wait := last.Add(cooldown).Sub(now); wait > 0 {
				return wait, "cooldown"
			}
		}
	}
	if q.deps.Budgets == nil {
		return 0, ""
	}
	b, err := q.deps.Budgets.Snapshot(ctx, budget.MessagesPerHour(s))
	if err != nil {
		q.logger.Warn("reply_queue_budget_check_failed", "channel_id", channelID, "error", err)
		return 0, ""
	}
	if b.MaxPerWindow <= 0 {
		return 0, dropBudgetDisabled
	}
	if !b.CanAct {
		return q.opts.BudgetBackoff, "message_budget_exhausted"
	}
	return 0, ""
}

func (q *Queue) takeBurst(channelID string, s settings.Settings) []core.ReplyJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.channels[channelID]
	if st == nil {
		return nil
	}
	n := burstLen(st.jobs, s.Activity.CoalesceWindow(), s.Activity.ReplyCoalesceMaxMessages)
	jobs := make([]core.ReplyJob, n)
	copy(jobs, st.jobs[:n])
	st.jobs = st.jobs[n:]
	for _, j := range jobs {
		delete(st.queued, j.Event.ID)
	}
	return jobs
}

// buildTurn merges the burst. Signals only widen; the turn is forced if
// any member was.
func buildTurn(channelID string, jobs []core.ReplyJob, s settings.Settings) Turn {
	turn := Turn{ChannelID: channelID, Jobs: jobs, Settings: s, Source: jobs[0].Source}
	for _, j := range jobs {
		turn.ForceRespond = turn.ForceRespond || j.ForceRespond
		if j.Signal == nil {
			continue
		}
		if turn.Signal == nil {
			sig := *j.Signal
			turn.Signal = &sig
			continue
		}
		merged := turn.Signal.Widen(*j.Signal)
		turn.Signal = &merged
	}
	return turn
}
