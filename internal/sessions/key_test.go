package sessions

import (
	"strings"
	"testing"
	"time"
)

func TestBuildChannelKey(t *testing.T) {
	tests := []struct {
		channel, userID, want string
	}{
		{"telegram", "386246614", "telegram:386246614"},
		{"whatsapp", "+61400000000", "whatsapp:61400000000"},
		{"whatsapp", "61400000000", "whatsapp:61400000000"},
		{"discord", "user#1234", "discord:user#1234"},
	}
	for _, tt := range tests {
		if got := BuildChannelKey(tt.channel, tt.userID); got != tt.want {
			t.Errorf("BuildChannelKey(%q, %q) = %q, want %q", tt.channel, tt.userID, got, tt.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		key  string
		want KeyInfo
	}{
		{BuildChannelKey("telegram", "123"), KeyInfo{Type: "telegram", ID: "123"}},
		{BuildWebhookKey("gh-push"), KeyInfo{Type: "webhook", ID: "gh-push"}},
		{BuildCLIKey(""), KeyInfo{Type: "cli", ID: "local"}},
		{BuildCronKey("hb", time.UnixMilli(1756000000000)), KeyInfo{Type: "cron", ID: "hb:1756000000000"}},
	}
	for _, tt := range tests {
		if got := Parse(tt.key); got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.key, got, tt.want)
		}
	}
}

func TestParseIsTotal(t *testing.T) {
	for _, bad := range []string{"", "nocolon", ":leading"} {
		if got := Parse(bad); got != (KeyInfo{}) {
			t.Errorf("Parse(%q) = %+v, want zero KeyInfo", bad, got)
		}
	}
}

func TestSubagentDepth(t *testing.T) {
	root := BuildChannelKey("telegram", "123")
	if Depth(root) != 0 || IsSubagent(root) {
		t.Fatalf("root key classified as subagent")
	}

	k := root
	for i := 1; i <= 3; i++ {
		k = BuildSubagentKey(k)
		if got := Depth(k); got != i {
			t.Errorf("depth after %d spawns = %d", i, got)
		}
		if RootKey(k) != root {
			t.Errorf("RootKey(%q) = %q, want %q", k, RootKey(k), root)
		}
	}

	if CanSpawn(k) {
		t.Error("CanSpawn true at depth 3")
	}
	if !CanSpawn(BuildSubagentKey(root)) {
		t.Error("CanSpawn false at depth 1")
	}
}

// Subagent keys parse as their root conversation.
func TestParseStripsSubagentSuffix(t *testing.T) {
	key := BuildSubagentKey(BuildSubagentKey("whatsapp:61400000000"))
	got := Parse(key)
	if got.Type != "whatsapp" || got.ID != "61400000000" {
		t.Errorf("Parse(%q) = %+v", key, got)
	}
}

func TestSubagentTokensDiffer(t *testing.T) {
	root := "cli:local"
	a := BuildSubagentKey(root)
	b := BuildSubagentKey(root)
	if a == b {
		t.Skipf("tokens collided within one millisecond: %q", a)
	}
	if !strings.HasPrefix(a, root+":subagent:") {
		t.Errorf("unexpected shape %q", a)
	}
}

func TestIsCron(t *testing.T) {
	if !IsCron(BuildCronKey("hb", time.Now())) {
		t.Error("cron key not recognized")
	}
	if IsCron("telegram:123") {
		t.Error("channel key recognized as cron")
	}
}
