package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	l := New()
	if l.Log == nil {
		t.Fatal("New returned nil logger")
	}

	for _, level := range []string{"Info", "debug", " WARN "} {
		if err := l.Init(level); err != nil {
			t.Errorf("Init(%q) returned error: %v", level, err)
		}
	}
	if !l.Log.Core().Enabled(zapcore.WarnLevel) || l.Log.Core().Enabled(zapcore.InfoLevel) {
		t.Errorf("logger level not applied")
	}

	if err := l.Init("loud"); err == nil {
		t.Error("Init(\"loud\") did not return error")
	}
}
