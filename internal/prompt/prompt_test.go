package prompt

import (
	"strings"
	"testing"
)

func TestSystemPrompt_IncludesPersonaAndMemories(t *testing.T) {
	p := Persona{
		Name:            "Marie",
		Relationship:    "grandmother",
		NicknameForUser: "sunshine",
		SpeakingStyle:   "warm, a bit teasing",
	}
	memories := []string{
		"We baked apple pie every Sunday.",
		"She called the old cottage 'the nest'.",
	}

	got := SystemPrompt(p, memories)

	for _, want := range []string{
		"Name: Marie",
		"Relationship: grandmother",
		"sunshine",
		"warm, a bit teasing",
		"- We baked apple pie every Sunday.",
		"- She called the old cottage 'the nest'.",
		"FIRST PERSON",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("SystemPrompt missing %q", want)
		}
	}
}

func TestSystemPrompt_EmptyPersonaAndMemories(t *testing.T) {
	got := SystemPrompt(Persona{}, nil)

	if !strings.Contains(got, "(not provided)") {
		t.Error("empty persona should render as (not provided)")
	}
	if !strings.Contains(got, "(none)") {
		t.Error("empty memories should render as (none)")
	}
}

func TestContextBlock(t *testing.T) {
	if got := ContextBlock(nil); got != "" {
		t.Errorf("ContextBlock(nil) = %q, want empty", got)
	}

	got := ContextBlock([]string{"We went fishing at the lake."})
	if !strings.Contains(got, "- We went fishing at the lake.") {
		t.Error("ContextBlock should list the memory")
	}
	if !strings.Contains(got, "CONTEXT") {
		t.Error("ContextBlock should carry the context header")
	}
}

func TestClassifyReplyLength(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"", lengthShort},
		{"ok", lengthShort},
		{"thanks a lot", lengthShort},
		{"hi", lengthShort},
		{"good morning", lengthShort},
		{"what time is it?", lengthShort},
		{"where did you live", lengthShort},
		{"I went to the market today and bought some apples", lengthMedium},
		{"tell me a story about the war", lengthLong},
		{"walk me through how you met grandpa", lengthLong},
		{"i miss you so much", lengthLong},
		{"I'm struggling with everything lately", lengthLong},
	}

	for _, tt := range tests {
		if got := classifyReplyLength(tt.text); got != tt.want {
			t.Errorf("classifyReplyLength(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestReplyInstructions_ContainsLengthRule(t *testing.T) {
	got := ReplyInstructions("tell me a story about your childhood")
	if !strings.Contains(got, "Length:") {
		t.Error("instructions should include a length rule")
	}
	if !strings.Contains(got, "10-18 sentences") {
		t.Error("story request should select the long length rule")
	}

	got = ReplyInstructions("ok")
	if !strings.Contains(got, "2-5 sentences") {
		t.Error("acknowledgement should select the short length rule")
	}
}

func TestLooksLikeNoise(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"hm", true},
		{"um", true},
		{"Uh", true},
		{"...", true},
		{"..", true},
		{"hello", false},
		{"yes", false},
		{"how are you doing", false},
	}

	for _, tt := range tests {
		if got := LooksLikeNoise(tt.text); got != tt.want {
			t.Errorf("LooksLikeNoise(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 8, "this…"},
		{"  padded  ", 20, "padded"},
	}

	for _, tt := range tests {
		got := Truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if len(got) > tt.max {
			t.Errorf("Truncate(%q, %d) = %d bytes, exceeds cap", tt.in, tt.max, len(got))
		}
	}
}
