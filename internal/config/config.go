// Package config holds the server configuration document: model profiles,
// channel credentials, gateway address, storage, cron, and heartbeat
// settings. The on-disk format is JSON5 so the file tolerates comments and
// trailing commas.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the root document.
type Config struct {
	Agent     AgentConfig             `json:"agent"`
	Models    map[string]ModelProfile `json:"models,omitempty"`
	Channels  ChannelsConfig          `json:"channels"`
	Gateway   GatewayConfig           `json:"gateway"`
	MCP       MCPConfig               `json:"mcp"`
	Paths     PathsConfig             `json:"paths"`
	Storage   StorageConfig           `json:"storage"`
	Cron      CronConfig              `json:"cron"`
	Heartbeat HeartbeatConfig         `json:"heartbeat"`
	Telemetry TelemetryConfig         `json:"telemetry"`
}

// AgentConfig selects model profiles and run behavior.
type AgentConfig struct {
	Primary      string `json:"primary,omitempty"`  // model profile name
	Fallback     string `json:"fallback,omitempty"` // used when primary fails
	SystemPrompt string `json:"systemPrompt,omitempty"`
	RunTimeout   string `json:"runTimeout,omitempty"` // duration string, default "5m"
}

// ModelProfile is one named LLM endpoint.
type ModelProfile struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// ChannelsConfig holds per-platform adapter settings.
type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	Webhook  WebhookConfig `json:"webhook"`
}

// ChannelConfig is the shared shape for chat platform adapters.
type ChannelConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BotToken  string   `json:"botToken,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	ProxyURL  string   `json:"proxyUrl,omitempty"` // telegram only

	// RequireMention gates group messages on an @mention (discord only).
	RequireMention bool `json:"requireMention,omitempty"`
}

// WebhookConfig configures the HTTP ingress listener.
type WebhookConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// GatewayConfig configures the frame router's listener.
type GatewayConfig struct {
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	RequestTimeout string `json:"requestTimeout,omitempty"` // duration string, default "10s"

	// Tailnet serves the gateway over tsnet instead of a local listener.
	Tailnet TailnetConfig `json:"tailnet"`
}

// TailnetConfig exposes the gateway on a Tailscale tailnet.
type TailnetConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"authKey,omitempty"`
}

// MCPConfig configures the MCP endpoint.
type MCPConfig struct {
	Transport string `json:"transport,omitempty"` // "stdio" or "sse"
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// PathsConfig locates the data directory and agent workspace.
type PathsConfig struct {
	DataDir   string `json:"dataDir,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`    // postgres only
}

// CronConfig tunes the scheduler.
type CronConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
}

// HeartbeatConfig configures the built-in heartbeat task.
type HeartbeatConfig struct {
	Schedule    string `json:"schedule,omitempty"` // cron expression, default "*/30 * * * *"
	Prompt      string `json:"prompt,omitempty"`
	AckMaxChars int    `json:"ackMaxChars,omitempty"`
	ActiveHours struct {
		Start    string `json:"start,omitempty"` // "HH:MM"
		End      string `json:"end,omitempty"`
		Timezone string `json:"timezone,omitempty"`
	} `json:"activeHours"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Primary:    "default",
			RunTimeout: "5m",
		},
		Models: map[string]ModelProfile{
			"default": {Provider: "openai", Model: "gpt-4o-mini"},
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           9000,
			RequestTimeout: "10s",
		},
		MCP: MCPConfig{
			Transport: "stdio",
		},
		Paths: PathsConfig{
			DataDir:   "~/.switchboard",
			Workspace: "~/.switchboard/workspace",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Cron: CronConfig{
			Timezone: "UTC",
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "*/30 * * * *",
		},
	}
}

// GatewayURL is the websocket address services dial.
func (c *Config) GatewayURL() string {
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port := c.Gateway.Port
	if port == 0 {
		port = 9000
	}
	return "ws://" + host + ":" + strconv.Itoa(port) + "/ws"
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return ExpandHome(c.Paths.DataDir) }

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Paths.Workspace) }

// PrimaryModel resolves the active model profile.
func (c *Config) PrimaryModel() (ModelProfile, bool) {
	p, ok := c.Models[c.Agent.Primary]
	return p, ok
}

// FallbackModel resolves the fallback profile, if configured.
func (c *Config) FallbackModel() (ModelProfile, bool) {
	if c.Agent.Fallback == "" {
		return ModelProfile{}, false
	}
	p, ok := c.Models[c.Agent.Fallback]
	return p, ok
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
