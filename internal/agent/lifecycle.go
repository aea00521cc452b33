// Package agent runs the language-model runtime against sessions: it owns run
// identity, cancellation, and delta streaming, consumes message.received and
// cron.trigger events, and serializes work through the session message queue.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Emitter publishes lifecycle and delta events; in production it is the
// service client's Emit.
type Emitter func(event string, payload any)

// TokenUsage is the optional token accounting reported by the runtime.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
}

func (u TokenUsage) total() int { return u.Input + u.Output }

// RunInfo describes one active run.
type RunInfo struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	StartedAt  time.Time `json:"startedAt"`
}

type runState struct {
	info   RunInfo
	ctx    context.Context
	cancel context.CancelFunc
}

// Lifecycle is the run registry: at most one active run per session key,
// process-unique run ids, streaming only while the run is registered.
// Every operation on an unknown runId is a silent no-op.
type Lifecycle struct {
	emit Emitter

	mu    sync.Mutex
	runs  map[string]*runState // by runId
	byKey map[string]string    // sessionKey -> runId
}

// NewLifecycle creates an empty registry. emit may be nil (events dropped).
func NewLifecycle(emit Emitter) *Lifecycle {
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Lifecycle{
		emit:  emit,
		runs:  make(map[string]*runState),
		byKey: make(map[string]string),
	}
}

// StartRun registers a run and returns its cancellation context. It fails
// when the session already has an active run; per-session serialization is
// the queue's job, this is the backstop.
func (l *Lifecycle) StartRun(runID, sessionKey string) (context.Context, error) {
	l.mu.Lock()
	if prior, busy := l.byKey[sessionKey]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("agent: session %s already has active run %s", sessionKey, prior)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.runs[runID] = &runState{
		info:   RunInfo{RunID: runID, SessionKey: sessionKey, StartedAt: time.Now()},
		ctx:    ctx,
		cancel: cancel,
	}
	l.byKey[sessionKey] = runID
	l.mu.Unlock()

	slog.Info("agent.run_started", "run", runID, "session", sessionKey)
	l.emit(protocol.EventRunStart, protocol.RunLifecyclePayload{RunID: runID, SessionKey: sessionKey})
	return ctx, nil
}

// EndRun removes the run and emits run.end with the measured duration.
func (l *Lifecycle) EndRun(runID string, tokens *TokenUsage) {
	st := l.remove(runID)
	if st == nil {
		return
	}
	// Read before cancel: afterwards the context always reports an error.
	cancelled := st.ctx.Err() != nil
	st.cancel()

	payload := protocol.RunLifecyclePayload{
		RunID:      runID,
		SessionKey: st.info.SessionKey,
		DurationMs: time.Since(st.info.StartedAt).Milliseconds(),
		Cancelled:  cancelled,
	}
	if tokens != nil {
		payload.Tokens = tokens.total()
	}
	slog.Info("agent.run_ended", "run", runID, "duration_ms", payload.DurationMs)
	l.emit(protocol.EventRunEnd, payload)
}

// ErrorRun removes the run and emits run.error.
func (l *Lifecycle) ErrorRun(runID string, runErr error) {
	st := l.remove(runID)
	if st == nil {
		return
	}
	st.cancel()

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	slog.Warn("agent.run_failed", "run", runID, "error", msg)
	l.emit(protocol.EventRunError, protocol.RunLifecyclePayload{
		RunID:      runID,
		SessionKey: st.info.SessionKey,
		DurationMs: time.Since(st.info.StartedAt).Milliseconds(),
		Error:      msg,
	})
}

// AbortRun cancels and removes the run. Returns true iff it was active.
func (l *Lifecycle) AbortRun(runID, reason string) bool {
	st := l.remove(runID)
	if st == nil {
		return false
	}
	st.cancel()

	slog.Info("agent.run_aborted", "run", runID, "reason", reason)
	l.emit(protocol.EventRunEnd, protocol.RunLifecyclePayload{
		RunID:      runID,
		SessionKey: st.info.SessionKey,
		DurationMs: time.Since(st.info.StartedAt).Milliseconds(),
		Cancelled:  true,
	})
	return true
}

// AbortSessionRuns aborts every run registered for the session key and
// returns the count aborted.
func (l *Lifecycle) AbortSessionRuns(sessionKey, reason string) int {
	l.mu.Lock()
	var ids []string
	if runID, ok := l.byKey[sessionKey]; ok {
		ids = append(ids, runID)
	}
	l.mu.Unlock()

	n := 0
	for _, id := range ids {
		if l.AbortRun(id, reason) {
			n++
		}
	}
	return n
}

// StreamAssistant emits an assistant-text delta if the run is active.
func (l *Lifecycle) StreamAssistant(runID, text string, isComplete bool) {
	st := l.lookup(runID)
	if st == nil {
		return
	}
	l.emit(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:      runID,
		SessionKey: st.info.SessionKey,
		Kind:       protocol.DeltaAssistant,
		Text:       text,
		IsComplete: isComplete,
	})
}

// StreamTool emits a tool-phase delta if the run is active.
func (l *Lifecycle) StreamTool(runID, toolName, phase string, args map[string]any) {
	st := l.lookup(runID)
	if st == nil {
		return
	}
	l.emit(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:      runID,
		SessionKey: st.info.SessionKey,
		Kind:       protocol.DeltaTool,
		ToolName:   toolName,
		Phase:      phase,
		Args:       args,
	})
}

// StreamCompaction emits a context-compaction delta if the run is active.
func (l *Lifecycle) StreamCompaction(runID string, tokensBefore int, summary string) {
	st := l.lookup(runID)
	if st == nil {
		return
	}
	l.emit(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:        runID,
		SessionKey:   st.info.SessionKey,
		Kind:         protocol.DeltaCompaction,
		TokensBefore: tokensBefore,
		Summary:      summary,
	})
}

// Context returns the run's cancellation context, or nil if not active.
func (l *Lifecycle) Context(runID string) context.Context {
	st := l.lookup(runID)
	if st == nil {
		return nil
	}
	return st.ctx
}

// IsRunning reports whether the run is still registered.
func (l *Lifecycle) IsRunning(runID string) bool { return l.lookup(runID) != nil }

// ActiveRuns snapshots every registered run.
func (l *Lifecycle) ActiveRuns() []RunInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunInfo, 0, len(l.runs))
	for _, st := range l.runs {
		out = append(out, st.info)
	}
	return out
}

func (l *Lifecycle) lookup(runID string) *runState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[runID]
}

// remove unregisters the run and frees its session key. Nil for unknown ids,
// which makes every terminal operation a silent no-op after the first.
func (l *Lifecycle) remove(runID string) *runState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.runs[runID]
	if !ok {
		return nil
	}
	delete(l.runs, runID)
	if l.byKey[st.info.SessionKey] == runID {
		delete(l.byKey, st.info.SessionKey)
	}
	return st
}
