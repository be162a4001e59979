package logger

import (
	"testing"
)

func TestNopLoggerIsSafe(t *testing.T) {
	l := NewNop()
	l.Debug("ignored")
	l.Info("ignored", "k", "v")
	l.Warn("ignored", "odd-key-count")
	l.Error("ignored", "n", 42)
	l.With("component", "test").Info("still ignored")
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
	l := NewNop()
	if OrNop(l) != l {
		t.Fatal("OrNop must pass through a non-nil logger")
	}
}

func TestLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		l := New(Options{Level: lvl})
		l.Info("level smoke", "level", lvl)
	}
}
