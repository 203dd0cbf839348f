package queue

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pkg/errors"
)

func TestPendingFrames_Order(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := NewPendingFrames(MaxBuffers)

	var want []time.Duration
	for i, n := range rng.Perm(MaxBuffers) {
		ts := time.Duration(n) * 40 * time.Millisecond
		want = append(want, ts)
		if err := p.Insert(ts, i); err != nil {
			t.Fatal(err)
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	if first, ok := p.First(); !ok || first != 0 {
		t.Fatalf("first %v %v", first, ok)
	}
	for _, w := range want {
		ts, index, err := p.RemoveFirst()
		if err != nil {
			t.Fatal(err)
		}
		if ts != w {
			t.Fatalf("got %v, want %v", ts, w)
		}
		if p.Contains(index) {
			t.Fatalf("buffer #%d still pending after removal", index)
		}
	}
	if p.Any() {
		t.Fatal("pending not empty")
	}
	if _, _, err := p.RemoveFirst(); errors.Cause(err) != errcode.ErrNoFrameReady {
		t.Fatalf("empty RemoveFirst: %v", err)
	}
}

func TestPendingFrames_TiesKeepInsertionOrder(t *testing.T) {
	p := NewPendingFrames(4)
	for _, i := range []int{3, 1, 2} {
		if err := p.Insert(time.Second, i); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []int{3, 1, 2} {
		_, index, err := p.RemoveFirst()
		if err != nil {
			t.Fatal(err)
		}
		if index != want {
			t.Fatalf("got buffer #%d, want #%d", index, want)
		}
	}
}

func TestPendingFrames_Capacity(t *testing.T) {
	p := NewPendingFrames(2)
	if err := p.Insert(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Insert(0, 0); errors.Cause(err) != errcode.ErrInvalidTransition {
		t.Fatalf("duplicate insert: %v", err)
	}
	if err := p.Insert(time.Millisecond, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Insert(2*time.Millisecond, 2); errors.Cause(err) != errcode.ErrPendingOverflow {
		t.Fatalf("overflow insert: %v", err)
	}

	indices := p.Clear()
	sort.Ints(indices)
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 1 {
		t.Fatalf("cleared %v", indices)
	}
	if p.Len() != 0 || p.Contains(0) {
		t.Fatal("clear left entries behind")
	}
}
