package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		l := New("debug", format)
		if l == nil || l.Logger == nil {
			t.Fatalf("New returned nil logger for format %q", format)
		}
	}
}

func TestWithHelpers(t *testing.T) {
	l := Default()

	if c := l.WithComponent("registry"); c == nil || c.Logger == nil {
		t.Error("WithComponent returned nil logger")
	}
	if c := l.WithConnection("conn_abc"); c == nil || c.Logger == nil {
		t.Error("WithConnection returned nil logger")
	}
}
