package pipeline

import (
	"strings"
	"unicode/utf8"
)

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary in text.
// A boundary is a sentence ender (.!?) followed by whitespace.
// Returns (completeSentences, remainder). If no boundary, returns ("", text).
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// capSpeech limits text to max bytes, cutting at the last sentence boundary
// that fits. Without one it cuts at the last whole rune.
func capSpeech(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return ""
	}
	head := text[:cut]
	// A sentence ending exactly at the cut has no trailing space inside head.
	if sentenceEnders[head[len(head)-1]] && isWordBoundary(text[cut]) {
		return strings.TrimSpace(head)
	}
	if complete, _ := splitAtSentence(head); complete != "" {
		return complete
	}
	return strings.TrimSpace(head)
}
