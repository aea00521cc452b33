package protocol

// Event names fanned out by the gateway to subscribers.
const (
	// Channel ingress.
	EventMessageReceived = "message.received"

	// Sessions service.
	EventSessionCreated = "session.created"
	EventSessionMessage = "session.message"
	EventSessionDeleted = "session.deleted"

	// Cron service.
	EventCronTrigger = "cron.trigger"

	// Agent lifecycle.
	EventRunStart     = "run.start"
	EventRunDelta     = "run.delta"
	EventRunCompleted = "run.completed"
	EventRunError     = "run.error"
	EventRunEnd       = "run.end"

	// Synthetic, emitted by the gateway itself.
	EventServiceDisconnected = "service.disconnected"
)

// Delta kinds carried in run.delta payloads.
const (
	DeltaAssistant  = "assistant"
	DeltaTool       = "tool"
	DeltaCompaction = "compaction"
)

// MessageReceivedPayload is the payload of message.received.
type MessageReceivedPayload struct {
	Channel    string            `json:"channel"`
	UserID     string            `json:"userId"`
	Content    string            `json:"content"`
	SessionKey string            `json:"sessionKey"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CronTriggerPayload is the payload of cron.trigger.
type CronTriggerPayload struct {
	TaskID     string   `json:"taskId"`
	Task       string   `json:"task"`
	Name       string   `json:"name"`
	SessionKey string   `json:"sessionKey"`
	Notify     []string `json:"notify,omitempty"`
}

// RunDeltaPayload is the payload of run.delta. Exactly one of the optional
// blocks is populated, matching Kind.
type RunDeltaPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"`

	// Kind == assistant
	Text       string `json:"text,omitempty"`
	IsComplete bool   `json:"isComplete,omitempty"`

	// Kind == tool
	ToolName string          `json:"toolName,omitempty"`
	Phase    string          `json:"phase,omitempty"`
	Args     map[string]any  `json:"args,omitempty"`

	// Kind == compaction
	TokensBefore int    `json:"tokensBefore,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// RunLifecyclePayload is shared by run.start / run.end / run.error.
type RunLifecyclePayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	Error      string `json:"error,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Response   string `json:"response,omitempty"`
}
