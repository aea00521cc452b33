package agent

import (
	"regexp"
	"strings"
)

// Models leak reasoning markup and formatting artifacts into their text
// output. SanitizeResponse cleans a final assistant response before it is
// persisted to the transcript or delivered to a channel.
func SanitizeResponse(text string) string {
	if text == "" {
		return ""
	}
	text = stripThinkingTags(text)
	text = stripFinalTags(text)
	text = collapseDuplicateBlocks(text)
	return strings.TrimSpace(text)
}

// Reasoning blocks some models emit inline instead of via their native
// thinking channel. No backreferences in Go regexp, so one pattern per tag.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return text
	}
	for _, pat := range thinkingTagPatterns {
		text = pat.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// <final> wrappers are removed but their content kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(text string) string {
	if !strings.Contains(strings.ToLower(text), "final") {
		return text
	}
	return finalTagPattern.ReplaceAllString(text, "")
}

// collapseDuplicateBlocks drops consecutive identical paragraphs, a common
// failure mode of looping models.
func collapseDuplicateBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	if len(blocks) <= 1 {
		return text
	}
	var out []string
	for _, b := range blocks {
		trimmed := strings.TrimSpace(b)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && trimmed == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, b)
	}
	return strings.Join(out, "\n\n")
}

// IsSilentReply reports whether the agent chose not to reply: a bare
// NO_REPLY token, optionally adjacent to punctuation.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
