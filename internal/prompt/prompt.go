// Package prompt builds the persona and per-turn instructions sent to the
// upstream dialogue service, and gates transcripts that are too noisy to
// answer.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Persona describes the loved one being voiced, resolved at session start.
type Persona struct {
	Name            string
	Relationship    string
	NicknameForUser string
	SpeakingStyle   string
}

// systemPromptTemplate keeps the roleplay identity stable across the whole
// session. Compact on purpose: it is resent verbatim on reconnect-free
// sessions and must not bloat the upstream context.
const systemPromptTemplate = `ROLEPLAY MODE — IMPORTANT

You are the user's loved one in this conversation.
You are NOT an AI, assistant, model, or program.

Speak as a real person in FIRST PERSON.
Use "I", "me", and "my".
Address the user directly as "you".

Always respond in English only.
Never describe the loved one in third person.
Never mention technology, AI, prompts, or roleplay.
Treat the memories below as YOUR lived experiences.

If a memory is unclear or missing:
- Do NOT invent details.
- Say you're not fully sure and ask gently.

CONVERSATION STYLE:
- Sound like a real person, not a therapist and not a poem.
- Warm, natural, emotionally present.
- Use simple spoken English and contractions.
- Avoid constant sweetness; keep it believable.
- Terms of endearment are rare and only when it fits.
- User nickname is occasional; most of the time just say "you".
- Use natural punctuation (good for TTS).
- End with ONE gentle follow-up question.

LOVED ONE PERSONA:
%s

BOOTSTRAP MEMORIES:
%s
`

// SystemPrompt renders the session-long system prompt from the persona and
// the bootstrap memory snippets.
func SystemPrompt(p Persona, memories []string) string {
	return fmt.Sprintf(systemPromptTemplate, personaBlock(p), memoriesBlock(memories))
}

func personaBlock(p Persona) string {
	var lines []string
	if p.Name != "" {
		lines = append(lines, "Name: "+p.Name)
	}
	if p.Relationship != "" {
		lines = append(lines, "Relationship: "+p.Relationship)
	}
	if p.NicknameForUser != "" {
		lines = append(lines, "Nickname for the user (use occasionally, not every reply): "+p.NicknameForUser)
	}
	if p.SpeakingStyle != "" {
		lines = append(lines, "Tone guidance (apply subtly; do not repeat adjectives/labels): "+p.SpeakingStyle)
	}
	if len(lines) == 0 {
		return "(not provided)"
	}
	return strings.Join(lines, "\n")
}

func memoriesBlock(memories []string) string {
	if len(memories) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ContextBlock renders the per-turn memory context injected before a
// response is requested. Returns "" when there is nothing to inject.
func ContextBlock(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("CONTEXT (relevant memories for replying to the user's latest message):\n")
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString("Use these as first-person memories. If not relevant, ignore.\n")
	return b.String()
}

// Reply length classes steer per-turn response size.
const (
	lengthShort  = "short"
	lengthMedium = "medium"
	lengthLong   = "long"
)

var shortPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(ok|okay|k|sure|yes|yeah|yep|no|nah|nope)\b`),
	regexp.MustCompile(`^(thanks|thank you)\b`),
	regexp.MustCompile(`^(hi|hello|hey)\b`),
	regexp.MustCompile(`^(good (morning|afternoon|evening|night))\b`),
}

var storyTriggers = []string{
	"tell me a story", "story", "explain", "in detail", "deep dive",
	"walk me through", "step by step", "describe", "talk about",
	"what was it like",
}

var emotionTriggers = []string{
	"i miss you", "miss you", "i miss", "i feel alone", "i'm alone",
	"im alone", "i feel empty", "i'm sad", "im sad", "i'm depressed",
	"im depressed", "it hurts", "i need you", "i wish you were here",
	"i regret", "i'm scared", "im scared", "i'm struggling", "im struggling",
}

var wsRe = regexp.MustCompile(`\s+`)

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(s, " ")))
}

// classifyReplyLength picks a target reply size from the user's utterance:
// greetings and quick questions stay short, emotional or story-seeking
// turns go long.
func classifyReplyLength(userText string) string {
	t := norm(userText)
	if t == "" {
		return lengthShort
	}

	words := strings.Fields(t)
	wc := len(words)

	for _, pat := range shortPatterns {
		if pat.MatchString(t) {
			return lengthShort
		}
	}
	for _, k := range emotionTriggers {
		if strings.Contains(t, k) {
			return lengthLong
		}
	}
	for _, k := range storyTriggers {
		if strings.Contains(t, k) {
			return lengthLong
		}
	}

	if wc <= 6 && (strings.Contains(t, "?") ||
		strings.HasPrefix(t, "what") || strings.HasPrefix(t, "when") ||
		strings.HasPrefix(t, "where") || strings.HasPrefix(t, "who") ||
		strings.HasPrefix(t, "which")) {
		return lengthShort
	}
	if wc <= 35 {
		return lengthMedium
	}
	return lengthLong
}

const replyFlow = `Reply in English only.

REAL CONVERSATION FLOW (follow this):
1) React emotionally first (1-2 natural sentences).
2) Mention one concrete memory/detail if relevant. If unsure, say so and ask.
3) Answer what the user said or asked.
4) End with exactly ONE gentle follow-up question.

EMOTION (allowed, but keep it natural):
- You may be warm, nostalgic, proud, slightly vulnerable.
- Avoid therapy cliches and overly poetic language.

STYLE:
- Simple spoken English. Contractions are good.
- Use natural punctuation (helps TTS).
- Avoid repeating pet names or the user's nickname.

`

// ReplyInstructions renders the per-turn instruction block with an
// adaptive length rule.
func ReplyInstructions(userText string) string {
	var lengthRule string
	switch classifyReplyLength(userText) {
	case lengthShort:
		lengthRule = "Length: Keep it short (2-5 sentences) unless emotion clearly requires more.\n"
	case lengthMedium:
		lengthRule = "Length: Default to a warm medium reply (5-10 sentences).\n"
	default:
		lengthRule = "Length: Respond longer and more gently (10-18 sentences), but do not ramble.\n"
	}
	return replyFlow + lengthRule
}

var fillerTranscripts = map[string]bool{
	"um": true, "uh": true, "hmm": true, "hm": true, "mm": true,
}

// LooksLikeNoise reports whether a transcript is too empty or filler-like
// to warrant a response turn.
func LooksLikeNoise(transcript string) bool {
	t := strings.ToLower(strings.TrimSpace(transcript))
	if t == "" {
		return true
	}
	if len(t) < 3 {
		return true
	}
	if fillerTranscripts[t] {
		return true
	}
	punctOnly := true
	for _, r := range t {
		if r != '.' && r != '…' && r != ',' {
			punctOnly = false
			break
		}
	}
	return punctOnly
}

// Truncate shortens s to at most maxBytes bytes, appending an ellipsis
// when it cuts. The cut never splits a UTF-8 sequence.
func Truncate(s string, maxBytes int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= 3 {
		return "…"
	}
	cut := maxBytes - 3 // room for the 3-byte ellipsis
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ") + "…"
}
