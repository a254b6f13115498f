package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		// Ticker fired as expected
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewMockClock(start)

	clock.Advance(250 * time.Millisecond)
	if got := clock.Since(start); got != 250*time.Millisecond {
		t.Errorf("Since() = %v, want 250ms", got)
	}
}

func TestMockTicker_FiresOnInterval(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(10 * time.Millisecond)

	clock.Advance(5 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(5 * time.Millisecond)
	select {
	case now := <-ticker.C():
		if !now.Equal(time.Unix(0, int64(10*time.Millisecond))) {
			t.Errorf("tick time = %v", now)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	clock.Advance(20 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
