package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/cryorun/internal/state"
)

func TestReadingPrefixFilter(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	all, cancelAll := b.SubscribeReadings("", 8)
	defer cancelAll()
	itcOnly, cancelITC := b.SubscribeReadings("itc", 8)
	defer cancelITC()

	b.PublishReading("itc503", state.Fields{"Sensor_1_K": 4.2})
	b.PublishReading("ips120", state.Fields{"field_T": 1.0})

	got := 0
	for got < 2 {
		select {
		case <-all:
			got++
		case <-time.After(time.Second):
			t.Fatalf("unfiltered subscriber saw %d of 2", got)
		}
	}
	select {
	case r := <-itcOnly:
		if r.Instrument != "itc503" {
			t.Fatalf("prefix subscriber got %q", r.Instrument)
		}
	case <-time.After(time.Second):
		t.Fatalf("prefix subscriber got nothing")
	}
	select {
	case r := <-itcOnly:
		t.Fatalf("prefix subscriber should not see %q", r.Instrument)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	ch, cancel := b.SubscribeReadings("", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishReading("itc", state.Fields{"n": float64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a full subscriber")
	}
	// the one buffered message is the oldest that fit; the rest dropped
	if len(ch) != 1 {
		t.Fatalf("want 1 retained message, got %d", len(ch))
	}
}

func TestCommandOrderingPerPublisher(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	ch, cancel := b.SubscribeCommands("itc", 32)
	defer cancel()

	for i := 0; i < 10; i++ {
		if err := b.PublishCommand("itc", Envelope{Verb: VerbCommand, Name: "set_temperature", Args: []float64{float64(i)}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		env := <-ch
		if env.Args[0] != float64(i) {
			t.Fatalf("out of order: want %d got %v", i, env.Args[0])
		}
	}
}

func TestPublishCommandWithoutSubscriber(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })
	if err := b.PublishCommand("ghost", Envelope{Verb: VerbCommand, Name: "x"}); err == nil {
		t.Fatalf("expected error for unknown worker")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	cancel, err := b.Respond("logger", func(env Envelope) Envelope {
		if env.Verb != VerbRequest {
			t.Errorf("responder saw verb %q", env.Verb)
		}
		if env.DeliverTo == "" {
			t.Errorf("router must stamp the requester address")
		}
		if env.Name == "change_datafile" {
			return env.Ok()
		}
		return env.Fail(errors.New("unknown request"))
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	reply, err := b.Request(ctx, "logger", Envelope{Name: "change_datafile", Params: map[string]string{"path": "/tmp/run1.dat"}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Verb != VerbAck {
		t.Fatalf("want ack, got %+v", reply)
	}

	reply, err = b.Request(ctx, "logger", Envelope{Name: "bogus"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Err == "" {
		t.Fatalf("want error reply, got %+v", reply)
	}
}

func TestRequestPreservesCommandVerb(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	cancel, err := b.Respond("itc", func(env Envelope) Envelope {
		if env.Verb != VerbCommand {
			t.Errorf("responder saw verb %q, want %q", env.Verb, VerbCommand)
		}
		return env.Ok()
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	reply, err := b.Request(ctx, "itc", Envelope{Verb: VerbCommand, Name: "set_temperature", Args: []float64{77, 2}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Verb != VerbAck {
		t.Fatalf("want ack, got %+v", reply)
	}
}

func TestRequestTimesOutWhenResponderVanishes(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })

	block := make(chan struct{})
	cancel, err := b.Respond("slow", func(env Envelope) Envelope {
		<-block
		return env.Ok()
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	defer func() { close(block); cancel() }()

	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	if _, err := b.Request(ctx, "slow", Envelope{Name: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestDuplicateResponderRejected(t *testing.T) {
	b := NewInproc()
	t.Cleanup(func() { _ = b.Close() })
	cancel, err := b.Respond("x", func(env Envelope) Envelope { return env.Ok() })
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	defer cancel()
	if _, err := b.Respond("x", func(env Envelope) Envelope { return env.Ok() }); err == nil {
		t.Fatalf("second responder for the same name must be rejected")
	}
}
