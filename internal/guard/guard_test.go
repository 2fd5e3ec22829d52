package guard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

func newGuard(t *testing.T, port transport.Port, events chan errkind.Event) *Guard {
	t.Helper()
	return New(Config{
		Component:      "itc",
		Port:           port,
		Identify:       func() error { return nil },
		Events:         events,
		TimeoutBackoff: time.Millisecond,
		ReconnectWait:  5 * time.Millisecond,
	})
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	events := make(chan errkind.Event, 16)
	g := newGuard(t, nil, events)

	calls := 0
	ok := g.Do("ReadSensor", func() error {
		calls++
		return errkind.Newf(errkind.KindTimeout, "itc", "ReadSensor", "deadline")
	})
	if ok {
		t.Fatalf("permanent timeout must fail")
	}
	// initial call + 5 retries
	if calls != 6 {
		t.Fatalf("want 6 attempts, got %d", calls)
	}
	if len(events) != 6 {
		t.Fatalf("every timeout emits an event, got %d", len(events))
	}
	ev := <-events
	if ev.Kind != errkind.KindTimeout || ev.Component != "itc" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestTimeoutRecoversMidway(t *testing.T) {
	events := make(chan errkind.Event, 16)
	g := newGuard(t, nil, events)

	calls := 0
	ok := g.Do("ReadSensor", func() error {
		calls++
		if calls < 3 {
			return errkind.Newf(errkind.KindTimeout, "itc", "ReadSensor", "deadline")
		}
		return nil
	})
	if !ok || calls != 3 {
		t.Fatalf("ok=%v calls=%d", ok, calls)
	}
}

func TestConnectionLostReopensAndRetriesOnce(t *testing.T) {
	events := make(chan errkind.Event, 16)
	port := transport.NewMockPort()
	g := newGuard(t, port, events)

	calls := 0
	ok := g.Do("ReadSensor", func() error {
		calls++
		if calls == 1 {
			return errkind.Newf(errkind.KindConnectionLost, "itc", "ReadSensor", "broken pipe")
		}
		return nil
	})
	if !ok {
		t.Fatalf("recovery should succeed")
	}
	if calls != 2 {
		t.Fatalf("exactly one retry after reconnect, got %d calls", calls)
	}
	if port.Reopens() != 1 {
		t.Fatalf("port should be reopened once, got %d", port.Reopens())
	}
}

func TestConnectionLostRetryFailsPermanently(t *testing.T) {
	events := make(chan errkind.Event, 16)
	port := transport.NewMockPort()
	g := newGuard(t, port, events)

	ok := g.Do("ReadSensor", func() error {
		return errkind.Newf(errkind.KindConnectionLost, "itc", "ReadSensor", "still broken")
	})
	if ok {
		t.Fatalf("second failure after reconnect must not loop again")
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events (original + retry), got %d", len(events))
	}
}

func TestReconnectLoopKeepsTryingUntilIdentity(t *testing.T) {
	events := make(chan errkind.Event, 16)
	port := transport.NewMockPort()
	idCalls := 0
	g := New(Config{
		Component: "itc",
		Port:      port,
		Identify: func() error {
			idCalls++
			if idCalls < 3 {
				return errors.New("no answer")
			}
			return nil
		},
		Events:        events,
		ReconnectWait: time.Millisecond,
	})
	ok := g.Do("ReadSensor", func() error {
		if idCalls < 3 {
			return errkind.Newf(errkind.KindConnectionLost, "itc", "ReadSensor", "gone")
		}
		return nil
	})
	if !ok {
		t.Fatalf("should recover once identity answers")
	}
	if idCalls != 3 || port.Reopens() != 3 {
		t.Fatalf("idCalls=%d reopens=%d", idCalls, port.Reopens())
	}
}

func TestReconnectLoopStopsOnCancel(t *testing.T) {
	events := make(chan errkind.Event, 16)
	port := transport.NewMockPort()
	ctx, cancel := context.WithCancel(context.Background())
	g := New(Config{
		Component:     "itc",
		Port:          port,
		Identify:      func() error { return errors.New("never") },
		Events:        events,
		Ctx:           ctx,
		ReconnectWait: time.Millisecond,
	})
	done := make(chan bool, 1)
	go func() {
		done <- g.Do("ReadSensor", func() error {
			return errkind.Newf(errkind.KindConnectionLost, "itc", "ReadSensor", "gone")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("cancelled recovery must report failure")
		}
	case <-time.After(time.Second):
		t.Fatalf("reconnect loop did not stop on cancel")
	}
}

func TestOtherKindsFailImmediately(t *testing.T) {
	events := make(chan errkind.Event, 16)
	g := newGuard(t, nil, events)

	calls := 0
	ok := g.Do("SetCurrent", func() error {
		calls++
		return errkind.Newf(errkind.KindAssertion, "k6221", "SetCurrent", "out of range")
	})
	if ok || calls != 1 {
		t.Fatalf("assertion must fail without retry: ok=%v calls=%d", ok, calls)
	}
}

func TestCallReturnsSentinelOnFailure(t *testing.T) {
	events := make(chan errkind.Event, 16)
	g := newGuard(t, nil, events)

	v := Call(g, "MeasureVoltage", math.NaN(), func() (float64, error) {
		return 0, errkind.Newf(errkind.KindValue, "k2182", "MeasureVoltage", "bad")
	})
	if !math.IsNaN(v) {
		t.Fatalf("want NaN sentinel, got %v", v)
	}
	v = Call(g, "MeasureVoltage", math.NaN(), func() (float64, error) { return 1.5e-6, nil })
	if v != 1.5e-6 {
		t.Fatalf("want value, got %v", v)
	}
}
