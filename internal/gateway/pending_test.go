package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func regFor(service string, methods ...string) protocol.ServiceRegistration {
	return protocol.ServiceRegistration{Service: service, Methods: methods}
}

func TestPendingRespondedRemovesEntry(t *testing.T) {
	p := newPendingTable(time.Second)
	p.add("handler", "req-1", "caller")

	caller, ok := p.resolve("handler", "req-1")
	if !ok || caller != "caller" {
		t.Fatalf("resolve = %q, %v", caller, ok)
	}
	if _, ok := p.resolve("handler", "req-1"); ok {
		t.Error("entry resolvable twice")
	}
	if p.size() != 0 {
		t.Errorf("size = %d", p.size())
	}
}

func TestPendingTimeoutRejectsCaller(t *testing.T) {
	p := newPendingTable(20 * time.Millisecond)

	var mu sync.Mutex
	var rejected []*protocol.Frame
	p.onReject = func(caller string, f *protocol.Frame) {
		mu.Lock()
		rejected = append(rejected, f)
		mu.Unlock()
	}

	p.add("handler", "req-1", "caller")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(rejected)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout rejection never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	f := rejected[0]
	mu.Unlock()
	if f.Error == nil || f.Error.Code != protocol.ErrTimeout {
		t.Errorf("error = %+v, want TIMEOUT", f.Error)
	}
	if f.ID != "req-1" {
		t.Errorf("id = %q", f.ID)
	}

	// A late response after expiry is a silent drop.
	if _, ok := p.resolve("handler", "req-1"); ok {
		t.Error("expired entry still resolvable")
	}
}

func TestPendingCallerGoneDropsSilently(t *testing.T) {
	p := newPendingTable(time.Hour)
	rejections := 0
	p.onReject = func(string, *protocol.Frame) { rejections++ }

	p.add("h", "a", "caller-1")
	p.add("h", "b", "caller-1")
	p.add("h", "c", "caller-2")

	p.dropCaller("caller-1")

	if p.size() != 1 {
		t.Errorf("size = %d, want 1", p.size())
	}
	if rejections != 0 {
		t.Errorf("caller-gone drop must be silent, got %d rejections", rejections)
	}
	if _, ok := p.resolve("h", "c"); !ok {
		t.Error("unrelated entry dropped")
	}
}

// A departed handler can never answer, so its entries fail fast with
// SERVICE_UNAVAILABLE instead of waiting out the timeout.
func TestPendingHandlerGoneFailsFast(t *testing.T) {
	p := newPendingTable(time.Hour)
	var mu sync.Mutex
	var rejected []*protocol.Frame
	p.onReject = func(_ string, f *protocol.Frame) {
		mu.Lock()
		rejected = append(rejected, f)
		mu.Unlock()
	}

	p.add("h1", "a", "caller-1")
	p.add("h1", "b", "caller-2")
	p.add("h2", "c", "caller-1")

	p.dropHandler("h1")

	mu.Lock()
	defer mu.Unlock()
	if len(rejected) != 2 {
		t.Fatalf("rejections = %d, want 2", len(rejected))
	}
	for _, f := range rejected {
		if f.Error == nil || f.Error.Code != protocol.ErrServiceUnavailable {
			t.Errorf("error = %+v, want SERVICE_UNAVAILABLE", f.Error)
		}
	}
	if _, ok := p.resolve("h2", "c"); !ok {
		t.Error("entry for a live handler dropped")
	}
}

func TestPendingRejectAllOnShutdown(t *testing.T) {
	p := newPendingTable(time.Hour)
	var codes []string
	p.onReject = func(_ string, f *protocol.Frame) { codes = append(codes, f.Error.Code) }

	p.add("h", "a", "c1")
	p.add("h", "b", "c2")
	p.rejectAll(protocol.ErrShuttingDown, "bye")

	if len(codes) != 2 {
		t.Fatalf("rejections = %d", len(codes))
	}
	for _, code := range codes {
		if code != protocol.ErrShuttingDown {
			t.Errorf("code = %q", code)
		}
	}
	if p.size() != 0 {
		t.Errorf("size = %d", p.size())
	}
}

func TestEventHubSeqMonotonic(t *testing.T) {
	h := newEventHub()
	var wg sync.WaitGroup
	const n = 1000
	seqs := make(chan uint64, n)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				seqs <- h.next()
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		seen[s] = true
	}
	if h.current() != n {
		t.Errorf("current = %d, want %d", h.current(), n)
	}
}

func TestEventHubSubscriberSets(t *testing.T) {
	h := newEventHub()
	h.subscribe("c1", []string{"tick"})
	h.subscribe("c2", []string{"other"})

	if got := h.subscribers("tick"); len(got) != 1 || got[0] != "c1" {
		t.Errorf("subscribers(tick) = %v", got)
	}
	if got := h.subscribers("missing"); got != nil {
		t.Errorf("subscribers(missing) = %v", got)
	}

	h.unsubscribeAll("c1")
	if got := h.subscribers("tick"); len(got) != 0 {
		t.Errorf("subscribers after unsubscribe = %v", got)
	}
}
