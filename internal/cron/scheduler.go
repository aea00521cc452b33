// Package cron schedules agent tasks. The scheduler owns the task table and
// fires cron.trigger events; the agent service subscribes and executes. Task
// persistence goes through an injected callback so the scheduler never talks
// to storage directly.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Emitter publishes one cron.trigger event.
type Emitter func(event string, payload any)

// PersistFunc saves the non-ephemeral task set after every mutation.
type PersistFunc func(ctx context.Context, tasks []store.CronTask) error

// BeforeFireHook gates one task's tick. Returning false skips the fire.
type BeforeFireHook func(task store.CronTask) bool

// TaskPatch mutates selected task fields.
type TaskPatch struct {
	Name        *string
	Schedule    *string
	Description *string
	Task        *string
	Enabled     *bool
	Notify      []string
}

// Options configures a Scheduler.
type Options struct {
	Timezone string // IANA name, default UTC
	Emit     Emitter
	Persist  PersistFunc
	Now      func() time.Time // injectable clock, default time.Now
}

type taskEntry struct {
	task      store.CronTask
	ephemeral bool
}

// Scheduler holds the task table and the minute ticker.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*taskEntry
	hooks   map[string]BeforeFireHook
	started bool
	stop    chan struct{}
	done    chan struct{}

	tz      *time.Location
	emit    Emitter
	persist PersistFunc
	now     func() time.Time
	gron    *gronx.Gronx
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	tz := time.UTC
	if opts.Timezone != "" {
		loc, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("cron: invalid timezone %q: %w", opts.Timezone, err)
		}
		tz = loc
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		tasks:   make(map[string]*taskEntry),
		hooks:   make(map[string]BeforeFireHook),
		tz:      tz,
		emit:    opts.Emit,
		persist: opts.Persist,
		now:     now,
		gron:    gronx.New(),
	}, nil
}

// AddTask validates and registers a task, filling name and description
// defaults. The enabled flag is stored as given, so loaded tasks keep their
// persisted state; callers creating new tasks decide the default. Ephemeral
// tasks are never persisted.
func (s *Scheduler) AddTask(ctx context.Context, task store.CronTask, ephemeral bool) (store.CronTask, error) {
	if task.ID == "" {
		return store.CronTask{}, fmt.Errorf("cron: task id is required")
	}
	if !s.gron.IsValid(task.Schedule) {
		return store.CronTask{}, fmt.Errorf("cron: invalid schedule %q", task.Schedule)
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.Description == "" {
		task.Description = task.Task
		if len(task.Description) > 100 {
			task.Description = task.Description[:100]
		}
	}

	s.mu.Lock()
	s.tasks[task.ID] = &taskEntry{task: task, ephemeral: ephemeral}
	s.mu.Unlock()

	if !ephemeral {
		if err := s.persistTasks(ctx); err != nil {
			return task, err
		}
	}
	slog.Info("cron.task_added", "task", task.ID, "schedule", task.Schedule, "ephemeral", ephemeral)
	return task, nil
}

// UpdateTask patches one task. A schedule change is revalidated.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, patch TaskPatch) (store.CronTask, error) {
	if patch.Schedule != nil && !s.gron.IsValid(*patch.Schedule) {
		return store.CronTask{}, fmt.Errorf("cron: invalid schedule %q", *patch.Schedule)
	}

	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return store.CronTask{}, fmt.Errorf("cron: unknown task %q", id)
	}
	if patch.Name != nil {
		entry.task.Name = *patch.Name
	}
	if patch.Schedule != nil {
		entry.task.Schedule = *patch.Schedule
	}
	if patch.Description != nil {
		entry.task.Description = *patch.Description
	}
	if patch.Task != nil {
		entry.task.Task = *patch.Task
	}
	if patch.Enabled != nil {
		entry.task.Enabled = *patch.Enabled
	}
	if patch.Notify != nil {
		entry.task.Notify = patch.Notify
	}
	updated := entry.task
	ephemeral := entry.ephemeral
	s.mu.Unlock()

	if !ephemeral {
		if err := s.persistTasks(ctx); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// RemoveTask drops one task. Returns whether it existed.
func (s *Scheduler) RemoveTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		delete(s.hooks, id)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	if !entry.ephemeral {
		if err := s.persistTasks(ctx); err != nil {
			return true, err
		}
	}
	slog.Info("cron.task_removed", "task", id)
	return true, nil
}

// Tasks returns a snapshot sorted by id.
func (s *Scheduler) Tasks() []store.CronTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task looks one task up.
func (s *Scheduler) Task(id string) (store.CronTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return store.CronTask{}, false
	}
	return e.task, true
}

// OnBeforeFire installs a gate for one task. A nil hook removes the gate.
func (s *Scheduler) OnBeforeFire(id string, hook BeforeFireHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook == nil {
		delete(s.hooks, id)
		return
	}
	s.hooks[id] = hook
}

// TriggerTask fires one task now, bypassing the schedule but not the
// before-fire hook.
func (s *Scheduler) TriggerTask(id string) error {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	var task store.CronTask
	if ok {
		task = entry.task
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown task %q", id)
	}
	s.fire(task)
	return nil
}

// Start arms the minute ticker. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("cron.started", "timezone", s.tz.String())
}

// Stop disarms the ticker and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		// Sleep to the next minute boundary so schedules fire on time.
		now := s.now().In(s.tz)
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(wait):
			s.tick(s.now().In(s.tz))
		}
	}
}

// tick fires every enabled task whose schedule matches the reference time.
func (s *Scheduler) tick(at time.Time) {
	s.mu.Lock()
	due := make([]store.CronTask, 0)
	for _, e := range s.tasks {
		if !e.task.Enabled {
			continue
		}
		ok, err := s.gron.IsDue(e.task.Schedule, at)
		if err != nil {
			slog.Warn("cron.schedule_check_failed", "task", e.task.ID, "error", err)
			continue
		}
		if ok {
			due = append(due, e.task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.fire(task)
	}
}

// fire runs the before-fire gate, then emits cron.trigger.
func (s *Scheduler) fire(task store.CronTask) {
	s.mu.Lock()
	hook := s.hooks[task.ID]
	s.mu.Unlock()

	if hook != nil && !hook(task) {
		slog.Debug("cron.fire_skipped", "task", task.ID)
		return
	}

	payload := protocol.CronTriggerPayload{
		TaskID:     task.ID,
		Task:       task.Task,
		Name:       task.Name,
		SessionKey: sessions.BuildCronKey(task.ID, s.now()),
		Notify:     task.Notify,
	}
	slog.Info("cron.fired", "task", task.ID, "session", payload.SessionKey)
	if s.emit != nil {
		s.emit(protocol.EventCronTrigger, payload)
	}
}

// persistTasks saves the non-ephemeral snapshot.
func (s *Scheduler) persistTasks(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]store.CronTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		if !e.ephemeral {
			out = append(out, e.task)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if err := s.persist(ctx, out); err != nil {
		return fmt.Errorf("cron: persist tasks: %w", err)
	}
	return nil
}
