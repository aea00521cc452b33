package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Load reads the config file, then overlays environment variables. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays SWITCHBOARD_ env vars; they beat file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SWITCHBOARD_TELEGRAM_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("SWITCHBOARD_DISCORD_TOKEN", &c.Channels.Discord.BotToken)
	envStr("SWITCHBOARD_WEBHOOK_TOKEN", &c.Channels.Webhook.Token)
	envStr("SWITCHBOARD_DATA_DIR", &c.Paths.DataDir)
	envStr("SWITCHBOARD_WORKSPACE", &c.Paths.Workspace)
	envStr("SWITCHBOARD_STORAGE_DSN", &c.Storage.DSN)
	envStr("SWITCHBOARD_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SWITCHBOARD_TS_AUTHKEY", &c.Gateway.Tailnet.AuthKey)

	// Per-profile API keys: SWITCHBOARD_MODEL_<NAME>_API_KEY.
	for name, profile := range c.Models {
		key := "SWITCHBOARD_MODEL_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			profile.APIKey = v
			c.Models[name] = profile
		}
	}
	// Shorthand for the common single-profile setup.
	if v := os.Getenv("SWITCHBOARD_API_KEY"); v != "" {
		if profile, ok := c.Models[c.Agent.Primary]; ok && profile.APIKey == "" {
			profile.APIKey = v
			c.Models[c.Agent.Primary] = profile
		}
	}
}

// Save writes the config as plain JSON. Comments in a hand-edited JSON5 file
// do not survive a programmatic save.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Masked returns a deep copy with secrets replaced for display.
func (c *Config) Masked() *Config {
	data, _ := json.Marshal(c)
	var out Config
	json.Unmarshal(data, &out)

	out.Channels.Telegram.BotToken = maskSecret(out.Channels.Telegram.BotToken)
	out.Channels.Discord.BotToken = maskSecret(out.Channels.Discord.BotToken)
	out.Channels.Webhook.Token = maskSecret(out.Channels.Webhook.Token)
	out.Gateway.Tailnet.AuthKey = maskSecret(out.Gateway.Tailnet.AuthKey)
	out.Storage.DSN = maskSecret(out.Storage.DSN)
	for name, profile := range out.Models {
		profile.APIKey = maskSecret(profile.APIKey)
		out.Models[name] = profile
	}
	return &out
}

// maskSecret keeps a short suffix for recognition.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
