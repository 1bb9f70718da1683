package prompts

import (
	"strings"
	"testing"
)

func TestForSession(t *testing.T) {
	if got := ForSession("  "); !strings.HasPrefix(got, DefaultSystem) {
		t.Errorf("blank prompt = %q", got)
	}
	got := ForSession("You are a pirate.")
	if !strings.HasPrefix(got, "You are a pirate.\n\n") || !strings.HasSuffix(got, spokenStyle) {
		t.Errorf("custom prompt = %q", got)
	}
}
