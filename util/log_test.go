package util

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLoggerLevel(t *testing.T) {
	for _, json := range []bool{true, false} {
		l := NewLoggerLevel(json, zap.InfoLevel)
		if l == nil {
			t.Fatal("nil logger")
		}
		if l.Core().Enabled(zap.DebugLevel) {
			t.Error("debug enabled at info level")
		}
		if !l.Core().Enabled(zap.WarnLevel) {
			t.Error("warn disabled at info level")
		}
	}
}

func TestNewLoggerDefaultsToDebug(t *testing.T) {
	if !NewLogger(true).Core().Enabled(zap.DebugLevel) {
		t.Error("default logger should log debug")
	}
}
