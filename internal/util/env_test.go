package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{" ON ", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("STUDYPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("STUDYPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"90", 90 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"15m", 15 * time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("STUDYPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("STUDYPIPE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("STUDYPIPE_TEST_INT", "42")
	if got := ParseIntEnv("STUDYPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("STUDYPIPE_TEST_INT", "many")
	if got := ParseIntEnv("STUDYPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
}

func TestStringEnv(t *testing.T) {
	t.Setenv("STUDYPIPE_TEST_A", "")
	t.Setenv("STUDYPIPE_TEST_B", "b")
	if got := StringEnv("def", "STUDYPIPE_TEST_A", "STUDYPIPE_TEST_B"); got != "b" {
		t.Errorf("got %q, want b", got)
	}
	if got := StringEnv("def", "STUDYPIPE_TEST_A"); got != "def" {
		t.Errorf("got %q, want def", got)
	}
}
