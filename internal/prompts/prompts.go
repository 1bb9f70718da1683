package prompts

import "strings"

const DefaultSystem = "You are a friendly voice assistant. Keep replies short and conversational."

// spokenStyle is appended to every system prompt because replies are synthesized to speech.
const spokenStyle = "Your reply will be read aloud: use plain sentences without markdown, lists, code, or emoji."

// ForSession resolves the system prompt used for every turn.
func ForSession(systemPrompt string) string {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		systemPrompt = DefaultSystem
	}
	return systemPrompt + "\n\n" + spokenStyle
}
