package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// ReplyFilter reports whether a completed run's response should be dropped
// instead of delivered to the task's notify targets.
type ReplyFilter func(taskID, response string) bool

// Service exposes the scheduler over the gateway: cron.list / add / remove /
// update / run. Tasks load from the store on Start and persist through it on
// every mutation. Completed cron runs are fanned out to the task's notify
// targets.
type Service struct {
	sched  *Scheduler
	tasks  store.CronStore
	client *service.Client
	filter ReplyFilter
}

// NewService builds the service around a scheduler wired to persist into st.
func NewService(timezone string, st store.CronStore) (*Service, error) {
	s := &Service{tasks: st}
	sched, err := NewScheduler(Options{
		Timezone: timezone,
		Emit:     s.emit,
		Persist:  st.SaveTasks,
	})
	if err != nil {
		return nil, err
	}
	s.sched = sched
	return s, nil
}

// Scheduler exposes the underlying scheduler for in-process collaborators
// (heartbeat hook installation).
func (s *Service) Scheduler() *Scheduler { return s.sched }

// SetReplyFilter installs the notify suppression rule (heartbeat acks).
func (s *Service) SetReplyFilter(f ReplyFilter) { s.filter = f }

// Registration declares the cron surface.
func (s *Service) Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: "cron",
		Methods: []string{
			protocol.MethodCronList,
			protocol.MethodCronAdd,
			protocol.MethodCronRemove,
			protocol.MethodCronUpdate,
			protocol.MethodCronRun,
		},
		Events:        []string{protocol.EventCronTrigger},
		Subscriptions: []string{protocol.EventRunCompleted},
		Version:       fmt.Sprintf("%d", protocol.ProtocolVersion),
	}
}

// Start loads persisted tasks, connects to the gateway, and arms the ticker.
func (s *Service) Start(ctx context.Context, gatewayURL string) error {
	tasks, err := s.tasks.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("cron: load tasks: %w", err)
	}
	for _, task := range tasks {
		if _, err := s.sched.AddTask(ctx, task, false); err != nil {
			slog.Warn("cron.load_task_failed", "task", task.ID, "error", err)
		}
	}

	client, err := service.Dial(ctx, service.Options{
		URL:          gatewayURL,
		Registration: s.Registration(),
		Handler:      s,
	})
	if err != nil {
		return err
	}
	s.client = client

	s.sched.Start(ctx)
	return nil
}

// Stop disarms the ticker and disconnects.
func (s *Service) Stop() {
	s.sched.Stop()
	if s.client != nil {
		s.client.Close()
	}
}

// HandleEvent implements service.Handler: completed runs on cron sessions
// are delivered to the owning task's notify targets.
func (s *Service) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {
	if event != protocol.EventRunCompleted {
		return
	}
	var p protocol.RunLifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	taskID, ok := TaskIDFromSessionKey(p.SessionKey)
	if !ok || p.Response == "" {
		return
	}
	task, ok := s.sched.Task(taskID)
	if !ok || len(task.Notify) == 0 {
		return
	}
	if s.filter != nil && s.filter(taskID, p.Response) {
		slog.Debug("cron.notify_suppressed", "task", taskID)
		return
	}
	for _, target := range task.Notify {
		channel, userID, ok := SplitNotifyTarget(target)
		if !ok {
			slog.Warn("cron.bad_notify_target", "task", taskID, "target", target)
			continue
		}
		err := s.client.Call(ctx, "channels", protocol.MethodChannelSend, map[string]any{
			"channel": channel,
			"userId":  userID,
			"text":    p.Response,
		}, nil)
		if err != nil {
			slog.Error("cron.notify_failed", "task", taskID, "target", target, "error", err)
		}
	}
}

// TaskIDFromSessionKey extracts the task id from a cron session key
// ("cron:{taskId}:{ts}").
func TaskIDFromSessionKey(key string) (string, bool) {
	info := sessions.Parse(key)
	if info.Type != "cron" || info.ID == "" {
		return "", false
	}
	taskID := strings.SplitN(info.ID, ":", 2)[0]
	return taskID, taskID != ""
}

// SplitNotifyTarget parses a "channel:userId" notify entry.
func SplitNotifyTarget(target string) (channel, userID string, ok bool) {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HandleMethod implements service.Handler.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodCronList:
		return map[string]any{"tasks": s.sched.Tasks()}, nil
	case protocol.MethodCronAdd:
		return s.add(ctx, params)
	case protocol.MethodCronRemove:
		return s.remove(ctx, params)
	case protocol.MethodCronUpdate:
		return s.update(ctx, params)
	case protocol.MethodCronRun:
		return s.run(params)
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

type addParams struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Schedule    string   `json:"schedule"`
	Description string   `json:"description,omitempty"`
	Task        string   `json:"task"`
	Notify      []string `json:"notify,omitempty"`
	Ephemeral   bool     `json:"ephemeral,omitempty"`
}

func (s *Service) add(ctx context.Context, params json.RawMessage) (any, error) {
	var p addParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.ID == "" || p.Schedule == "" || p.Task == "" {
		return nil, validationErr("id, schedule, and task are required")
	}

	task, err := s.sched.AddTask(ctx, store.CronTask{
		ID:          p.ID,
		Name:        p.Name,
		Schedule:    p.Schedule,
		Description: p.Description,
		Task:        p.Task,
		Enabled:     true,
		Notify:      p.Notify,
	}, p.Ephemeral)
	if err != nil {
		return nil, validationErr(err.Error())
	}
	return map[string]any{"task": task}, nil
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Service) remove(ctx context.Context, params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.ID == "" {
		return nil, validationErr("id is required")
	}
	removed, err := s.sched.RemoveTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

type updateTaskParams struct {
	ID    string `json:"id"`
	Patch struct {
		Name        *string  `json:"name,omitempty"`
		Schedule    *string  `json:"schedule,omitempty"`
		Description *string  `json:"description,omitempty"`
		Task        *string  `json:"task,omitempty"`
		Enabled     *bool    `json:"enabled,omitempty"`
		Notify      []string `json:"notify,omitempty"`
	} `json:"patch"`
}

func (s *Service) update(ctx context.Context, params json.RawMessage) (any, error) {
	var p updateTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.ID == "" {
		return nil, validationErr("id is required")
	}
	task, err := s.sched.UpdateTask(ctx, p.ID, TaskPatch{
		Name:        p.Patch.Name,
		Schedule:    p.Patch.Schedule,
		Description: p.Patch.Description,
		Task:        p.Patch.Task,
		Enabled:     p.Patch.Enabled,
		Notify:      p.Patch.Notify,
	})
	if err != nil {
		return nil, validationErr(err.Error())
	}
	return map[string]any{"task": task}, nil
}

func (s *Service) run(params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.ID == "" {
		return nil, validationErr("id is required")
	}
	if err := s.sched.TriggerTask(p.ID); err != nil {
		return nil, validationErr(err.Error())
	}
	return map[string]any{"triggered": true}, nil
}

func (s *Service) emit(event string, payload any) {
	if s.client == nil {
		return
	}
	if err := s.client.Emit(event, payload); err != nil {
		slog.Warn("cron.emit_failed", "event", event, "error", err)
	}
}

func validationErr(msg string) error {
	return &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: msg}
}
