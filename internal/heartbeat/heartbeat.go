// Package heartbeat registers the built-in periodic check-in task and its
// skip rules. The task is ephemeral: it lives in the scheduler but is never
// persisted, and fires only when the active-hours window is open, the agent
// is idle, and HEARTBEAT.md holds actionable content.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/store"
)

// TaskID is the scheduler id of the built-in heartbeat task.
const TaskID = "heartbeat"

const defaultPrompt = "Read HEARTBEAT.md and act on anything that needs attention. " +
	"Reply HEARTBEAT_OK if nothing needs doing."

// ActiveHours restricts firing to a daily window. Zero value means always.
type ActiveHours struct {
	Start    string // "HH:MM" inclusive
	End      string // "HH:MM" exclusive
	Timezone string // IANA name, default local
}

// Options configures the heartbeat.
type Options struct {
	Workspace   string // directory holding HEARTBEAT.md
	Schedule    string // cron expression, default "*/30 * * * *"
	Prompt      string
	ActiveHours ActiveHours
	IsBusy      func() bool      // agent busy probe
	Now         func() time.Time // injectable clock
}

// Heartbeat owns the HEARTBEAT.md watcher and the before-fire gate.
type Heartbeat struct {
	opts    Options
	path    string
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	hasContent bool
}

// New reads the initial HEARTBEAT.md state. Call Attach to register the task.
func New(opts Options) *Heartbeat {
	if opts.Schedule == "" {
		opts.Schedule = "*/30 * * * *"
	}
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Heartbeat{
		opts: opts,
		path: filepath.Join(opts.Workspace, "HEARTBEAT.md"),
	}
	h.refreshContent()
	return h
}

// Attach registers the ephemeral task and its gate with the scheduler and
// starts watching the workspace for HEARTBEAT.md edits.
func (h *Heartbeat) Attach(ctx context.Context, sched *cron.Scheduler) error {
	if _, err := sched.AddTask(ctx, store.CronTask{
		ID:       TaskID,
		Name:     "Heartbeat",
		Schedule: h.opts.Schedule,
		Task:     h.opts.Prompt,
		Enabled:  true,
		BuiltIn:  true,
	}, true); err != nil {
		return fmt.Errorf("heartbeat: register task: %w", err)
	}
	sched.OnBeforeFire(TaskID, h.shouldFire)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("heartbeat: create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := watcher.Add(h.opts.Workspace); err != nil {
		watcher.Close()
		return fmt.Errorf("heartbeat: watch workspace: %w", err)
	}
	h.watcher = watcher

	go h.watch(ctx)
	return nil
}

// Close stops the watcher.
func (h *Heartbeat) Close() {
	if h.watcher != nil {
		h.watcher.Close()
	}
}

func (h *Heartbeat) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == "HEARTBEAT.md" {
				h.refreshContent()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("heartbeat.watch_error", "error", err)
		}
	}
}

// refreshContent re-reads HEARTBEAT.md and caches whether it has actionable
// content. A missing file, blank file, or comment-only file counts as empty.
func (h *Heartbeat) refreshContent() {
	data, err := os.ReadFile(h.path)
	has := err == nil && hasActionableContent(string(data))

	h.mu.Lock()
	h.hasContent = has
	h.mu.Unlock()
}

// shouldFire is the before-fire gate: skip outside active hours, while the
// agent is busy, or when HEARTBEAT.md is empty.
func (h *Heartbeat) shouldFire(store.CronTask) bool {
	if !h.withinActiveHours(h.opts.Now()) {
		slog.Debug("heartbeat.skipped", "reason", "outside_active_hours")
		return false
	}
	if h.opts.IsBusy != nil && h.opts.IsBusy() {
		slog.Debug("heartbeat.skipped", "reason", "agent_busy")
		return false
	}
	h.mu.Lock()
	has := h.hasContent
	h.mu.Unlock()
	if !has {
		slog.Debug("heartbeat.skipped", "reason", "empty_heartbeat_file")
		return false
	}
	return true
}

func (h *Heartbeat) withinActiveHours(now time.Time) bool {
	ah := h.opts.ActiveHours
	if ah.Start == "" || ah.End == "" {
		return true
	}

	loc := now.Location()
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	start, err1 := parseClock(ah.Start)
	end, err2 := parseClock(ah.End)
	if err1 != nil || err2 != nil {
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// Overnight window, e.g. 22:00 to 06:00.
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// hasActionableContent reports whether the markdown holds anything beyond
// headings, comments, and blank lines.
func hasActionableContent(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		return true
	}
	return false
}

// IsAck reports whether a heartbeat reply is a bare acknowledgement that
// should not be delivered. Replies starting with HEARTBEAT_OK are dropped
// unless substantial content follows.
func IsAck(response string, maxTrailing int) bool {
	if maxTrailing <= 0 {
		maxTrailing = 300
	}
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "HEARTBEAT_OK") {
		return false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "HEARTBEAT_OK"))
	return len(rest) <= maxTrailing
}
