package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range testCases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("format %q failed: %v", format, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("format %q ignored the debug level", format)
		}
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unsupported format to fail")
	}
}
