// Package sessions owns conversation identity and serialization: the session
// key algebra, the per-session message queue, and the gateway-facing sessions
// service backed by a SessionStore.
//
// Session keys are colon-delimited and encode the surface plus the user or
// task identity:
//
//	Channel:  {channel}:{userId}          e.g. telegram:386246614
//	Cron:     cron:{taskId}:{ts-token}    e.g. cron:heartbeat:1756000000000
//	Webhook:  webhook:{hookId}
//	CLI:      cli:{user}                  e.g. cli:local
//	Subagent: {parentKey}:subagent:{token}, nestable up to depth 3
package sessions

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	subagentSegment = "subagent"

	// MaxSubagentDepth is the deepest nesting from which a further
	// subagent may still be spawned.
	MaxSubagentDepth = 3
)

// KeyInfo is the parsed form of a session key.
type KeyInfo struct {
	Type string // channel name, "cron", "webhook", or "cli"
	ID   string // user id, task id, hook id
}

// BuildChannelKey builds the key for a chat-channel conversation.
// A single leading "+" on the user id (phone numbers) is stripped so that
// "+61400000000" and "61400000000" address the same session.
func BuildChannelKey(channel, userID string) string {
	return channel + ":" + strings.TrimPrefix(userID, "+")
}

// BuildCronKey builds the key for one cron task firing. The timestamp token
// keeps separate firings in separate transcripts.
func BuildCronKey(taskID string, at time.Time) string {
	return fmt.Sprintf("cron:%s:%d", taskID, at.UnixMilli())
}

// BuildWebhookKey builds the key for a webhook-initiated conversation.
func BuildWebhookKey(hookID string) string {
	return "webhook:" + hookID
}

// BuildCLIKey builds the key for an interactive CLI conversation.
func BuildCLIKey(user string) string {
	if user == "" {
		user = "local"
	}
	return "cli:" + user
}

// BuildSubagentKey derives a child key from a parent by appending one
// subagent segment with a fresh token. Callers check CanSpawn first.
func BuildSubagentKey(parentKey string) string {
	token := fmt.Sprintf("%d-%04d", time.Now().UnixMilli(), rand.Intn(10000))
	return parentKey + ":" + subagentSegment + ":" + token
}

// Parse interprets a session key. Total: malformed input yields a best-effort
// KeyInfo with empty fields, never an error. Trailing subagent segments are
// stripped first, so a subagent key parses as its root conversation.
func Parse(key string) KeyInfo {
	root := RootKey(key)
	parts := strings.SplitN(root, ":", 2)
	if len(parts) < 2 || parts[0] == "" {
		return KeyInfo{}
	}
	return KeyInfo{Type: parts[0], ID: parts[1]}
}

// RootKey strips every trailing ":subagent:<token>" pair, recovering the
// originating conversation key.
func RootKey(key string) string {
	parts := strings.Split(key, ":")
	for len(parts) >= 2 && parts[len(parts)-2] == subagentSegment {
		parts = parts[:len(parts)-2]
	}
	return strings.Join(parts, ":")
}

// IsSubagent reports whether the key carries at least one subagent segment.
func IsSubagent(key string) bool {
	return Depth(key) > 0
}

// Depth counts the subagent nesting level: 0 for a root conversation.
func Depth(key string) int {
	depth := 0
	parts := strings.Split(key, ":")
	for len(parts) >= 2 && parts[len(parts)-2] == subagentSegment {
		depth++
		parts = parts[:len(parts)-2]
	}
	return depth
}

// CanSpawn reports whether a further subagent may be spawned from this key.
func CanSpawn(key string) bool {
	return Depth(key) < MaxSubagentDepth
}

// IsCron reports whether the key's root belongs to a cron firing.
func IsCron(key string) bool {
	return Parse(key).Type == "cron"
}
