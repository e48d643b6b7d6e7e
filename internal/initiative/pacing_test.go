package initiative

import (
	"testing"
	"time"
)

func TestAverageInterval(t *testing.T) {
	if got := AverageInterval(20*time.Minute, 10); got != 144*time.Minute {
		t.Fatalf("expected 144m, got %s", got)
	}
	if got := AverageInterval(5*time.Hour, 10); got != 5*time.Hour {
		t.Fatalf("min gap should dominate, got %s", got)
	}
}

func TestEvaluateEven(t *testing.T) {
	base := EvenInput{MinGap: 2 * time.Hour, MaxPerDay: 6, HasPrior: true}
	cases := []struct {
		name    string
		elapsed time.Duration
		prior   bool
		post    bool
		trigger string
	}{
		{"first post", 0, false, true, TriggerEvenDue},
		{"inside min gap", time.Hour, true, false, TriggerMinGapBlock},
		{"before interval", 3 * time.Hour, true, false, TriggerEvenWait},
		{"interval reached", 4 * time.Hour, true, true, TriggerEvenDue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			in.Elapsed = tc.elapsed
			in.HasPrior = tc.prior
			d := EvaluateEven(in)
			if d.ShouldPost != tc.post || d.Trigger != tc.trigger {
				t.Fatalf("expected post=%v trigger=%s, got %+v", tc.post, tc.trigger, d)
			}
		})
	}
}

func forceInput() SpontaneousInput {
	return SpontaneousInput{
		MinGap:      20 * time.Minute,
		MaxPerDay:   10,
		Spontaneity: 80,
		HasPrior:    true,
		Tick:        time.Minute,
		Tuning:      DefaultTuning(),
	}
}

func TestForceAfter(t *testing.T) {
	got := ForceAfter(forceInput())
	want := time.Duration(167.04 * float64(time.Minute))
	if diff := got - want; diff > time.Second || diff < -time.Second {
		t.Fatalf("expected about %s, got %s", want, got)
	}
}

func TestSpontaneousForceIgnoresRoll(t *testing.T) {
	in := forceInput()
	in.Elapsed = ForceAfter(in)
	for _, roll := range []float64{0, 0.5, 0.999999} {
		d := EvaluateSpontaneous(in, roll)
		if !d.ShouldPost || d.Trigger != TriggerForceDue {
			t.Fatalf("roll %v: expected forced post, got %+v", roll, d)
		}
	}
	in.Elapsed += 6 * time.Hour
	if d := EvaluateSpontaneous(in, 0.999999); d.Trigger != TriggerForceDue {
		t.Fatalf("expected forced post well past the bound, got %+v", d)
	}
}

func TestSpontaneousMinGapBlocks(t *testing.T) {
	in := forceInput()
	in.Elapsed = 10 * time.Minute
	if d := EvaluateSpontaneous(in, 0); d.ShouldPost || d.Trigger != TriggerMinGapBlock {
		t.Fatalf("expected min gap block, got %+v", d)
	}
}

func TestSpontaneousChanceRampsAndDamps(t *testing.T) {
	in := forceInput()
	in.Elapsed = in.MinGap
	start := EvaluateSpontaneous(in, 1).Chance
	in.Elapsed = AverageInterval(in.MinGap, in.MaxPerDay)
	peak := EvaluateSpontaneous(in, 1).Chance
	if !(start < peak) {
		t.Fatalf("expected ramp, start=%v peak=%v", start, peak)
	}
	// s=0.8: base 0.042, peak 0.416
	if start < 0.041 || start > 0.043 || peak < 0.415 || peak > 0.417 {
		t.Fatalf("unexpected ramp endpoints %v..%v", start, peak)
	}

	in.PostsToday = in.MaxPerDay
	damped := EvaluateSpontaneous(in, 1).Chance
	if want := peak * 0.4; damped < want-1e-9 || damped > want+1e-9 {
		t.Fatalf("expected damped chance %v, got %v", want, damped)
	}
}

func TestSpontaneousRollDecides(t *testing.T) {
	in := forceInput()
	in.Elapsed = time.Hour
	d := EvaluateSpontaneous(in, 0)
	if !d.ShouldPost || d.Trigger != TriggerRollDue {
		t.Fatalf("expected roll due, got %+v", d)
	}
	d = EvaluateSpontaneous(in, 0.99)
	if d.ShouldPost || d.Trigger != TriggerRollWait {
		t.Fatalf("expected roll wait, got %+v", d)
	}
}

func TestSpontaneousSeed(t *testing.T) {
	in := forceInput()
	in.HasPrior = false
	if d := EvaluateSpontaneous(in, 0); !d.ShouldPost || d.Trigger != TriggerSeedDue {
		t.Fatalf("expected seed due, got %+v", d)
	}
	if d := EvaluateSpontaneous(in, 0.99); d.ShouldPost || d.Trigger != TriggerSeedWait {
		t.Fatalf("expected seed wait, got %+v", d)
	}
}
