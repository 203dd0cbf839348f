package audio

import (
	"context"
	"testing"
	"time"

	"github.com/pingostack/m2mdec/core/clock"
	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

func au(ms int) *mode.AccessUnit {
	return &mode.AccessUnit{Codec: mode.CodecTypeOPUS, Timestamp: time.Duration(ms) * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSink_PlaysWithoutClock(t *testing.T) {
	played := make(chan time.Duration, 4)
	s := NewSink(context.Background(), nil, WithLogger(logger.Discard()), WithOnPlay(func(au *mode.AccessUnit) {
		played <- au.Timestamp
	}))
	defer s.Close()

	for _, ms := range []int{0, 20, 40} {
		if err := s.Submit(au(ms)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond} {
		select {
		case got := <-played:
			if got != want {
				t.Fatalf("played %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("nothing played, want %v", want)
		}
	}
}

func TestSink_CapacityAndDrain(t *testing.T) {
	c := clock.New()
	s := NewSink(context.Background(), c, WithCapacity(2), WithLogger(logger.Discard()))
	defer s.Close()

	if err := s.Submit(au(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(au(20)); err != nil {
		t.Fatal(err)
	}
	if s.FreeBuffer().IsSet() {
		t.Fatal("full sink advertises a free buffer")
	}
	if err := s.Submit(au(40)); errors.Cause(err) != errcode.ErrAudioError {
		t.Fatalf("submit past capacity: %v", err)
	}

	// the clock is paused, nothing plays
	time.Sleep(10 * time.Millisecond)
	if s.Played() != 0 {
		t.Fatalf("played %d on a paused clock", s.Played())
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 || !s.FreeBuffer().IsSet() {
		t.Fatalf("%d units left after drain", s.Len())
	}

	c.Seek(time.Second)
	if err := s.Submit(au(1000)); err != nil {
		t.Fatal(err)
	}
	c.VideoReady()
	waitFor(t, "unit at the seek position", func() bool { return s.Played() == 1 })
}

func TestSink_DrainAfterClose(t *testing.T) {
	s := NewSink(context.Background(), clock.New(), WithLogger(logger.Discard()))
	s.Close()
	if err := s.Drain(context.Background()); errors.Cause(err) != errcode.ErrAudioError {
		t.Fatalf("drain on a closed sink: %v", err)
	}
	if err := s.Submit(au(0)); errors.Cause(err) != errcode.ErrAudioError {
		t.Fatalf("submit on a closed sink: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := NewSink(context.Background(), clock.New(), WithLogger(logger.Discard()))
	defer open.Close()
	err := open.Drain(ctx)
	if err != nil && err != context.Canceled {
		t.Fatalf("drain with a cancelled context: %v", err)
	}
}
