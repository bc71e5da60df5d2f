package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	cases := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", "console", zapcore.DebugLevel},
		{"warn", "json", zapcore.WarnLevel},
		{"nonsense", "console", zapcore.InfoLevel},
		{"", "json", zapcore.InfoLevel},
	}
	for _, c := range cases {
		l, err := New(c.level, c.format)
		if err != nil {
			t.Fatalf("New(%q,%q): %v", c.level, c.format, err)
		}
		if !l.Core().Enabled(c.want) {
			t.Fatalf("level %q: %v not enabled", c.level, c.want)
		}
		if c.want > zapcore.DebugLevel && l.Core().Enabled(c.want-1) {
			t.Fatalf("level %q: %v should be disabled", c.level, c.want-1)
		}
	}
}
