package perf

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestTimer_StopLogsDuration(t *testing.T) {
	logger, hook := test.NewNullLogger()

	timer := Start("device flash", logger)
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	if d < 5*time.Millisecond {
		t.Errorf("Expected at least 5ms elapsed, got %v", d)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Message != "operation completed" {
		t.Errorf("Unexpected message %q", entry.Message)
	}
	if entry.Data["operation"] != "device flash" {
		t.Errorf("Unexpected operation field %v", entry.Data["operation"])
	}
}

func TestTimer_StopWithThresholdWarnsWhenExceeded(t *testing.T) {
	logger, hook := test.NewNullLogger()

	timer := Start("device flash", logger)
	time.Sleep(5 * time.Millisecond)
	timer.StopWithThreshold(time.Millisecond)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.WarnLevel {
		t.Errorf("Expected warning level, got %v", entry.Level)
	}
	if entry.Message != "operation exceeded threshold" {
		t.Errorf("Unexpected message %q", entry.Message)
	}
}

func TestTimer_StopWithThresholdQuietUnderThreshold(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	timer := Start("device flash", logger)
	timer.StopWithThreshold(time.Hour)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %v", entry.Level)
	}
}

func TestTimer_NilLoggerReturnsDuration(t *testing.T) {
	timer := Start("device flash", nil)
	if d := timer.Stop(); d < 0 {
		t.Errorf("Expected non-negative duration, got %v", d)
	}
}
