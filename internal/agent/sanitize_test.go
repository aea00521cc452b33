package agent

import "testing"

func TestSanitizeResponse(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello there", "hello there"},
		{"thinking tags", "<think>hmm, let me see</think>the answer is 4", "the answer is 4"},
		{"thought tags", "<thought>reasoning</thought>\n\ndone", "done"},
		{"final tags keep content", "<final>the reply</final>", "the reply"},
		{"duplicate blocks", "same text\n\nsame text\n\nnext", "same text\n\nnext"},
		{"whitespace", "  \n\nreply\n\n ", "reply"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeResponse(tt.in); got != tt.want {
				t.Errorf("SanitizeResponse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"ok NO_REPLY", true},
		{"NO_REPLYING", false},
		{"a normal answer", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.in); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
