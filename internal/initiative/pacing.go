package initiative

import (
	"math"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

// Reason codes.
const (
	TriggerDisabled               = "disabled"
	TriggerNoChannels             = "no_channels"
	TriggerDailyCapDisabled       = "daily_cap_disabled"
	TriggerDailyCapReached        = "daily_cap_reached"
	TriggerMessageBudgetExhausted = "message_budget_exhausted"
	TriggerChannelCooldown        = "channel_cooldown"
	TriggerStartupDisabled        = "startup_disabled"
	TriggerStartupBootstrap       = "startup_bootstrap"
	TriggerMinGapBlock            = "min_gap_block"
	TriggerEvenDue                = "even_due"
	TriggerEvenWait               = "even_wait"
	TriggerSeedDue                = "spontaneous_seed_due"
	TriggerSeedWait               = "spontaneous_seed_wait"
	TriggerForceDue               = "spontaneous_force_due"
	TriggerRollDue                = "spontaneous_roll_due"
	TriggerRollWait               = "spontaneous_roll_wait"
)

// Tuning holds the spontaneous pacing coefficients. Rates are
// probabilities per tick; s below is spontaneity scaled to [0,1].
type Tuning struct {
	// Seed chance for the very first post: SeedBase + SeedScale*s.
	SeedBase  float64
	SeedScale float64
	// Ramp start: BaseRate + BaseScale*s.
	BaseRate  float64
	BaseScale float64
	// Ramp end: PeakRate + PeakScale*s.
	PeakRate  float64
	PeakScale float64
	// Chance is multiplied by 1 - CapDamping*capPressure.
	CapDamping float64
	// Forced post after avg*(ForceFactor - ForceScale*s).
	ForceFactor float64
	ForceScale  float64
}

// DefaultTuning returns the production coefficients.
func DefaultTuning() Tuning {
	return Tuning{
		SeedBase:    0.10,
		SeedScale:   0.30,
		BaseRate:    0.01,
		BaseScale:   0.04,
		PeakRate:    0.08,
		PeakScale:   0.42,
		CapDamping:  0.6,
		ForceFactor: 1.6,
		ForceScale:  0.55,
	}
}

// AverageInterval is max(minGap, 24h/maxPerDay).
func AverageInterval(minGap time.Duration, maxPerDay int) time.Duration {
	if maxPerDay <= 0 {
		return 24 * time.Hour
	}
	avg := 24 * time.Hour / time.Duration(maxPerDay)
	if minGap > avg {
		return minGap
	}
	return avg
}

// EvenInput is the state EvaluateEven needs.
type EvenInput struct {
	MinGap    time.Duration
	MaxPerDay int
	// Elapsed is the time since the last initiative post; ignored when
	// HasPrior is false.
	Elapsed  time.Duration
	HasPrior bool
}

// EvaluateEven is due once the average interval has elapsed, or
// immediately when nothing was posted before.
func EvaluateEven(in EvenInput) core.ScheduleDecision {
	avg := AverageInterval(in.MinGap, in.MaxPerDay)
	d := core.ScheduleDecision{Mode: core.PacingEven, Elapsed: in.Elapsed, RequiredInterval: avg}
	switch {
	case !in.HasPrior:
		d.ShouldPost = true
		d.Trigger = TriggerEvenDue
	case in.Elapsed < in.MinGap:
		d.Trigger = TriggerMinGapBlock
		d.RequiredInterval = in.MinGap
	case in.Elapsed >= avg:
		d.ShouldPost = true
		d.Trigger = TriggerEvenDue
	default:
		d.Trigger = TriggerEvenWait
	}
	return d
}

// SpontaneousInput is the state EvaluateSpontaneous needs. Spontaneity
// is 0 to 100.
type SpontaneousInput struct {
	MinGap      time.Duration
	MaxPerDay   int
	Spontaneity float64
	Elapsed     time.Duration
	HasPrior    bool
	PostsToday  int
	Tick        time.Duration
	Tuning      Tuning
}

// ForceAfter is the longest the spontaneous mode stays silent:
// max(minGap, avg*(1.6-0.55*s)) with the default tuning.
func ForceAfter(in SpontaneousInput) time.Duration {
	s := spontaneity(in.Spontaneity)
	avg := AverageInterval(in.MinGap, in.MaxPerDay)
	force := time.Duration(float64(avg) * (in.Tuning.ForceFactor - in.Tuning.ForceScale*s))
	if force < in.MinGap {
		return in.MinGap
	}
	return force
}

// EvaluateSpontaneous draws roll in [0,1) against a chance that ramps
// from the base rate after the minimum gap to the peak rate at the
// average interval, damped as the daily cap fills.
func EvaluateSpontaneous(in SpontaneousInput, roll float64) core.ScheduleDecision {
	s := spontaneity(in.Spontaneity)
	t := in.Tuning
	d := core.ScheduleDecision{Mode: core.PacingSpontaneous, Elapsed: in.Elapsed, Roll: roll}

	if !in.HasPrior {
		d.Chance = clamp01(t.SeedBase + t.SeedScale*s)
		d.ShouldPost = roll < d.Chance
		d.Trigger = TriggerSeedWait
		if d.ShouldPost {
			d.Trigger = TriggerSeedDue
		}
		return d
	}
	if in.Elapsed < in.MinGap {
		d.Trigger = TriggerMinGapBlock
		d.RequiredInterval = in.MinGap
		return d
	}
	force := ForceAfter(in)
	d.RequiredInterval = force
	if in.Elapsed >= force {
		d.ShouldPost = true
		d.Trigger = TriggerForceDue
		d.Chance = 1
		return d
	}

	avg := AverageInterval(in.MinGap, in.MaxPerDay)
	ramp := avg - in.MinGap
	if ramp < in.Tick {
		ramp = in.Tick
	}
	progress := 1.0
	if ramp > 0 {
		progress = clamp01(float64(in.Elapsed-in.MinGap) / float64(ramp))
	}
	base := t.BaseRate + t.BaseScale*s
	peak := t.PeakRate + t.PeakScale*s
	chance := base + (peak-base)*progress

	pressure := 0.0
	if in.MaxPerDay > 0 {
		pressure = math.Min(float64(in.PostsToday)/float64(in.MaxPerDay), 1)
	}
	d.Chance = clamp01(chance * (1 - t.CapDamping*pressure))
	d.ShouldPost = roll < d.Chance
	d.Trigger = TriggerRollWait
	if d.ShouldPost {
		d.Trigger = TriggerRollDue
	}
	return d
}

func spontaneity(v float64) float64 {
	return clamp01(v / 100)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
