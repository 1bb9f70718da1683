package env

import (
	"testing"
	"time"
)

func TestTypedLookups(t *testing.T) {
	t.Setenv("ENV_TEST_STR", "piper")
	t.Setenv("ENV_TEST_INT", "42")
	t.Setenv("ENV_TEST_BAD_INT", "forty")
	t.Setenv("ENV_TEST_FLOAT", "0.5")
	t.Setenv("ENV_TEST_BOOL", "true")

	if got := Str("ENV_TEST_STR", "x"); got != "piper" {
		t.Errorf("Str = %q", got)
	}
	if got := Str("ENV_TEST_UNSET", "x"); got != "x" {
		t.Errorf("Str fallback = %q", got)
	}
	if got := Int("ENV_TEST_INT", 1); got != 42 {
		t.Errorf("Int = %d", got)
	}
	if got := Int("ENV_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("Int bad = %d", got)
	}
	if got := Float("ENV_TEST_FLOAT", 1); got != 0.5 {
		t.Errorf("Float = %v", got)
	}
	if got := Bool("ENV_TEST_BOOL", false); !got {
		t.Error("Bool = false")
	}
}

func TestDuration(t *testing.T) {
	cases := []struct {
		val  string
		want time.Duration
	}{
		{"", 3 * time.Second},
		{"750ms", 750 * time.Millisecond},
		{"1.5", 1500 * time.Millisecond},
		{"-2", 3 * time.Second},
		{"soon", 3 * time.Second},
	}
	for _, c := range cases {
		t.Setenv("ENV_TEST_DURATION", c.val)
		if got := Duration("ENV_TEST_DURATION", 3*time.Second); got != c.want {
			t.Errorf("%q: got %v, want %v", c.val, got, c.want)
		}
	}
}
