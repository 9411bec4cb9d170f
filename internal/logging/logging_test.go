package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultsToInfoOnUnparseableLevel(t *testing.T) {
	logger := New("not-a-level", "text")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected fallback to info level, got %v", logger.GetLevel())
	}
}

func TestNewHonorsExplicitLevel(t *testing.T) {
	logger := New("debug", "json")
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", logger.Formatter)
	}
}

func TestComponentAttachesComponentField(t *testing.T) {
	entry := Component(New("info", "text"), "syncer")
	if entry.Data["component"] != "syncer" {
		t.Fatalf("expected component field to be set, got %+v", entry.Data)
	}
}
