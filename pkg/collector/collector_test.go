package collector

import (
	"math/rand"
	"testing"
)

func TestSubmitAndDrainInOrder(t *testing.T) {
	c := New(1)

	c.Submit(Result{Position: 2, Payload: "b"})
	if got := c.Drain(); got != nil {
		t.Fatalf("Drain() = %v, want nil (gap at position 1)", got)
	}

	c.Submit(Result{Position: 1, Payload: "a"})
	got := c.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain() returned %d results, want 2", len(got))
	}
	if got[0].Payload != "a" || got[1].Payload != "b" {
		t.Errorf("Drain() order = %v", got)
	}
	if c.NextExpected() != 3 {
		t.Errorf("NextExpected() = %d, want 3", c.NextExpected())
	}
}

func TestDrainStopsAtGap(t *testing.T) {
	c := New(1)
	c.Submit(Result{Position: 1})
	c.Submit(Result{Position: 2})
	c.Submit(Result{Position: 4})

	got := c.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain() returned %d results, want 2 (positions 1,2)", len(got))
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}

	c.Submit(Result{Position: 3})
	got = c.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain() after filling gap returned %d results, want 2", len(got))
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	c := New(1)
	c.Submit(Result{Position: 1, Payload: "first"})
	c.Submit(Result{Position: 1, Payload: "second"})

	got := c.Drain()
	if len(got) != 1 || got[0].Payload != "first" {
		t.Errorf("Drain() = %v, want single result with original payload", got)
	}
}

func TestSubmitBelowNextIsNoop(t *testing.T) {
	c := New(1)
	c.Submit(Result{Position: 1})
	c.Drain()

	c.Submit(Result{Position: 1, Payload: "stale resubmit"})
	if got := c.Drain(); got != nil {
		t.Errorf("Drain() = %v, want nil for a resubmit below next", got)
	}
}

func TestMarkSkippedAdvancesPastGap(t *testing.T) {
	c := New(1)
	c.Submit(Result{Position: 1})
	c.MarkSkipped(2, "quarantined: max retries exceeded")
	c.Submit(Result{Position: 3})

	got := c.Drain()
	if len(got) != 3 {
		t.Fatalf("Drain() returned %d results, want 3", len(got))
	}
	if !got[1].Skipped || got[1].Reason == "" {
		t.Errorf("Drain()[1] = %+v, want skipped with reason", got[1])
	}
}

func TestOutOfOrderSubmissionDrainsInOrder(t *testing.T) {
	c := New(1)
	order := rand.Perm(100)
	for _, i := range order {
		c.Submit(Result{Position: i + 1, Payload: i + 1})
	}

	got := c.Drain()
	if len(got) != 100 {
		t.Fatalf("Drain() returned %d results, want 100", len(got))
	}
	for i, r := range got {
		if r.Position != i+1 {
			t.Fatalf("Drain()[%d].Position = %d, want %d", i, r.Position, i+1)
		}
	}
}
