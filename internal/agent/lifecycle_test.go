package agent

import (
	"errors"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type eventSink struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func newEventSink() *eventSink {
	return &eventSink{last: make(map[string]any)}
}

func (s *eventSink) emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.last[event] = payload
}

func (s *eventSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestAtMostOneRunPerSession(t *testing.T) {
	l := NewLifecycle(nil)

	if _, err := l.StartRun("run-1", "telegram:123"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartRun("run-2", "telegram:123"); err == nil {
		t.Fatal("second run on same session key accepted")
	}
	// A different session is unaffected.
	if _, err := l.StartRun("run-3", "telegram:456"); err != nil {
		t.Fatal(err)
	}

	l.EndRun("run-1", nil)
	if _, err := l.StartRun("run-4", "telegram:123"); err != nil {
		t.Errorf("session key not freed after EndRun: %v", err)
	}
}

// Abort: context cancelled, streaming becomes a no-op, second abort is false.
func TestAbortPropagates(t *testing.T) {
	sink := newEventSink()
	l := NewLifecycle(sink.emit)

	ctx, err := l.StartRun("run-1", "s")
	if err != nil {
		t.Fatal(err)
	}

	if !l.AbortRun("run-1", "test") {
		t.Fatal("abort returned false for active run")
	}
	if l.IsRunning("run-1") {
		t.Error("run still registered after abort")
	}
	if ctx.Err() == nil {
		t.Error("run context not cancelled")
	}

	deltasBefore := sink.count(protocol.EventRunDelta)
	l.StreamAssistant("run-1", "late", true)
	if sink.count(protocol.EventRunDelta) != deltasBefore {
		t.Error("streaming after abort emitted an event")
	}

	if l.AbortRun("run-1", "again") {
		t.Error("second abort returned true")
	}

	end := sink.last[protocol.EventRunEnd].(protocol.RunLifecyclePayload)
	if !end.Cancelled {
		t.Error("run.end payload not marked cancelled")
	}
}

// A run that finishes normally must not be reported as cancelled.
func TestEndRunNormalCompletionNotCancelled(t *testing.T) {
	sink := newEventSink()
	l := NewLifecycle(sink.emit)
	l.StartRun("run-1", "cli:local")

	l.EndRun("run-1", &TokenUsage{Input: 10, Output: 5})

	end := sink.last[protocol.EventRunEnd].(protocol.RunLifecyclePayload)
	if end.Cancelled {
		t.Error("normal completion reported cancelled")
	}
	if end.Tokens != 15 {
		t.Errorf("tokens = %d, want 15", end.Tokens)
	}
}

func TestUnknownRunIsSilentNoOp(t *testing.T) {
	sink := newEventSink()
	l := NewLifecycle(sink.emit)

	l.StreamAssistant("ghost", "x", false)
	l.StreamTool("ghost", "exec", "start", nil)
	l.StreamCompaction("ghost", 1000, "s")
	l.EndRun("ghost", nil)
	l.ErrorRun("ghost", errors.New("boom"))

	if len(sink.events) != 0 {
		t.Errorf("unknown runId emitted %v", sink.events)
	}
	if l.Context("ghost") != nil {
		t.Error("Context for unknown run not nil")
	}
}

func TestStreamDeltasCarrySessionKey(t *testing.T) {
	sink := newEventSink()
	l := NewLifecycle(sink.emit)
	l.StartRun("run-1", "cli:local")

	l.StreamAssistant("run-1", "hello", false)
	d := sink.last[protocol.EventRunDelta].(protocol.RunDeltaPayload)
	if d.SessionKey != "cli:local" || d.Kind != protocol.DeltaAssistant || d.Text != "hello" {
		t.Errorf("assistant delta = %+v", d)
	}

	l.StreamTool("run-1", "read_file", "start", map[string]any{"path": "x"})
	d = sink.last[protocol.EventRunDelta].(protocol.RunDeltaPayload)
	if d.Kind != protocol.DeltaTool || d.ToolName != "read_file" || d.Phase != "start" {
		t.Errorf("tool delta = %+v", d)
	}

	l.StreamCompaction("run-1", 9000, "summary")
	d = sink.last[protocol.EventRunDelta].(protocol.RunDeltaPayload)
	if d.Kind != protocol.DeltaCompaction || d.TokensBefore != 9000 {
		t.Errorf("compaction delta = %+v", d)
	}
}

func TestErrorRunEmitsRunError(t *testing.T) {
	sink := newEventSink()
	l := NewLifecycle(sink.emit)
	l.StartRun("run-1", "s")

	l.ErrorRun("run-1", errors.New("provider exploded"))

	if sink.count(protocol.EventRunError) != 1 {
		t.Fatal("run.error not emitted")
	}
	p := sink.last[protocol.EventRunError].(protocol.RunLifecyclePayload)
	if p.Error != "provider exploded" || p.SessionKey != "s" {
		t.Errorf("payload = %+v", p)
	}
	if l.IsRunning("run-1") {
		t.Error("run still registered after error")
	}
}

func TestAbortSessionRuns(t *testing.T) {
	l := NewLifecycle(nil)
	l.StartRun("run-1", "a:1")
	l.StartRun("run-2", "b:2")

	if n := l.AbortSessionRuns("a:1", "cleanup"); n != 1 {
		t.Errorf("aborted = %d, want 1", n)
	}
	if n := l.AbortSessionRuns("a:1", "cleanup"); n != 0 {
		t.Errorf("second abort = %d, want 0", n)
	}
	if !l.IsRunning("run-2") {
		t.Error("unrelated session's run aborted")
	}
}

func TestActiveRuns(t *testing.T) {
	l := NewLifecycle(nil)
	l.StartRun("run-1", "a:1")
	l.StartRun("run-2", "b:2")

	runs := l.ActiveRuns()
	if len(runs) != 2 {
		t.Fatalf("active = %d", len(runs))
	}
	for _, r := range runs {
		if r.StartedAt.IsZero() {
			t.Errorf("run %s missing StartedAt", r.RunID)
		}
	}
}
