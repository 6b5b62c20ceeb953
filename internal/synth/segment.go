package synth

import (
	"regexp"
	"strings"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	punctSpacingRe = regexp.MustCompile(`([.?!,;:])(\S)`)
)

// isSentenceEnd checks if the text ends with a sentence-ending punctuation.
func isSentenceEnd(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return false
	}
	lastChar := text[len(text)-1]
	return lastChar == '.' || lastChar == '!' || lastChar == '?'
}

// ExtractCompleteSentences extracts complete sentences from buffer,
// returning (complete sentences, remaining buffer).
func ExtractCompleteSentences(buffer string) (string, string) {
	lastBoundary := -1
	for i := len(buffer) - 1; i >= 0; i-- {
		c := buffer[i]
		if c == '.' || c == '!' || c == '?' {
			lastBoundary = i
			break
		}
	}

	if lastBoundary == -1 {
		return "", buffer
	}

	return buffer[:lastBoundary+1], buffer[lastBoundary+1:]
}

// NormalizeForSpeech cleans a synthesis unit before it is sent to the TTS
// provider: collapses whitespace, converts triple dots to an ellipsis, and
// ensures punctuation is followed by a space so pacing survives synthesis.
func NormalizeForSpeech(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	t = strings.ReplaceAll(t, "...", "…")
	t = strings.TrimSpace(whitespaceRe.ReplaceAllString(t, " "))
	t = punctSpacingRe.ReplaceAllString(t, "$1 $2")
	return strings.TrimSpace(t)
}
