package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Messages for one key drain in strict enqueue order, and the second future
// resolves only after the first completed.
func TestQueueFIFOOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	q := NewMessageQueue(context.Background(), func(_ context.Context, m *QueuedMessage) (RunOutcome, error) {
		if m.Content == "first" {
			<-gate // hold the drainer so the second message must wait
		}
		mu.Lock()
		order = append(order, m.Content)
		mu.Unlock()
		return RunOutcome{Response: "ok:" + m.Content}, nil
	})

	f1 := q.Enqueue("whatsapp:61400000000", "first", "user", nil)
	f2 := q.Enqueue("whatsapp:61400000000", "second", "user", nil)

	if !q.IsRunning("whatsapp:61400000000") {
		t.Fatal("drainer not running")
	}
	// Wait for the drainer to pop the first message; only then is exactly one
	// message left queued.
	deadline := time.Now().Add(time.Second)
	for q.QueueLength("whatsapp:61400000000") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("queue length = %d, want 1 (second still queued)",
				q.QueueLength("whatsapp:61400000000"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out1, err1 := f1.Wait(ctx)
	out2, err2 := f2.Wait(ctx)
	if err1 != nil || err2 != nil {
		t.Fatalf("wait: %v, %v", err1, err2)
	}
	if out1.Response != "ok:first" || out2.Response != "ok:second" {
		t.Errorf("outcomes = %+v, %+v", out1, out2)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execute order = %v", order)
	}
}

func TestQueueFailureDoesNotBlockNext(t *testing.T) {
	boom := errors.New("runtime exploded")
	q := NewMessageQueue(context.Background(), func(_ context.Context, m *QueuedMessage) (RunOutcome, error) {
		if m.Content == "bad" {
			return RunOutcome{}, boom
		}
		return RunOutcome{Response: "fine"}, nil
	})

	f1 := q.Enqueue("cli:local", "bad", "user", nil)
	f2 := q.Enqueue("cli:local", "good", "user", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f1.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("first future error = %v, want %v", err, boom)
	}
	out, err := f2.Wait(ctx)
	if err != nil || out.Response != "fine" {
		t.Errorf("second future = %+v, %v", out, err)
	}
}

func TestQueueIndependentKeys(t *testing.T) {
	block := make(chan struct{})
	q := NewMessageQueue(context.Background(), func(_ context.Context, m *QueuedMessage) (RunOutcome, error) {
		if m.SessionKey == "slow:1" {
			<-block
		}
		return RunOutcome{}, nil
	})

	q.Enqueue("slow:1", "x", "user", nil)
	fast := q.Enqueue("fast:1", "y", "user", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := fast.Wait(ctx); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	close(block)
}

func TestClearQueueRejectsPending(t *testing.T) {
	gate := make(chan struct{})
	q := NewMessageQueue(context.Background(), func(context.Context, *QueuedMessage) (RunOutcome, error) {
		<-gate
		return RunOutcome{}, nil
	})

	q.Enqueue("k:1", "inflight", "user", nil)
	pending := q.Enqueue("k:1", "queued", "user", nil)

	// Give the drainer time to pop the first message.
	deadline := time.Now().Add(time.Second)
	for q.QueueLength("k:1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("drainer never picked up the first message")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := q.ClearQueue("k:1"); n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, ErrQueueCleared) {
		t.Errorf("pending error = %v, want ErrQueueCleared", err)
	}
	close(gate)
}

func TestQueueReleasesRunningFlag(t *testing.T) {
	q := NewMessageQueue(context.Background(), func(context.Context, *QueuedMessage) (RunOutcome, error) {
		return RunOutcome{}, nil
	})

	f := q.Enqueue("k:2", "m", "user", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for q.IsRunning("k:2") {
		if time.Now().After(deadline) {
			t.Fatal("running flag never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.HasQueuedMessages("k:2") {
		t.Error("FIFO entry not removed after drain")
	}
}
