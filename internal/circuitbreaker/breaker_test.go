package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestClosedUntilThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("stripe")
		if !b.Allow("stripe") {
			t.Fatalf("circuit tripped after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Error("circuit should be open after 3 failures")
	}
	if got := b.State("stripe"); got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	b.RecordSuccess("stripe")
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	if !b.Allow("stripe") {
		t.Error("streak should reset on success; circuit must stay closed")
	}
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("cooldown elapsed, probe should be admitted")
	}
	if got := b.State("stripe"); got != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}
	if b.Allow("stripe") {
		t.Error("only one probe may be in flight")
	}
}

func TestProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(1, 10*time.Millisecond)
		b.RecordFailure("stripe")
		time.Sleep(15 * time.Millisecond)
		b.Allow("stripe")

		b.RecordSuccess("stripe")
		if got := b.State("stripe"); got != StateClosed {
			t.Errorf("state after successful probe = %s, want closed", got)
		}
		if !b.Allow("stripe") {
			t.Error("closed circuit should admit requests")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(1, 10*time.Millisecond)
		b.RecordFailure("stripe")
		time.Sleep(15 * time.Millisecond)
		b.Allow("stripe")

		b.RecordFailure("stripe")
		if got := b.State("stripe"); got != StateOpen {
			t.Errorf("state after failed probe = %s, want open", got)
		}
		if b.Allow("stripe") {
			t.Error("reopened circuit should reject immediately")
		}
	})
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("capture")
	if b.Allow("capture") {
		t.Error("capture circuit should be open")
	}
	if !b.Allow("refund") {
		t.Error("refund circuit should be unaffected")
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(1, time.Minute)

	var (
		mu    sync.Mutex
		got   []State
		fired = make(chan struct{}, 1)
	)
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
		fired <- struct{}{}
	})

	b.RecordFailure("stripe")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", got)
	}
}

func TestDefaults(t *testing.T) {
	b := New(0, 0)
	if b.threshold != 5 {
		t.Errorf("threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
}
