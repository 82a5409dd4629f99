package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("runtime")
	logger.SetOutput(&buf)

	logger.Info("hello")
	if !strings.Contains(buf.String(), "[runtime]") {
		t.Errorf("log missing component tag: %q", buf.String())
	}
}

func TestLogger_WithConversation(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithAgent("id-1").WithConversation("conv-9")
	logger.SetOutput(&buf)

	logger.Info("routed")
	out := buf.String()
	if !strings.Contains(out, "agent=id-1") {
		t.Errorf("log missing agent field: %q", out)
	}
	if !strings.Contains(out, "conversation=conv-9") {
		t.Errorf("log missing conversation field: %q", out)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("msg", map[string]interface{}{"b": 2, "a": 1})
	out := buf.String()
	if strings.Index(out, "a=1") > strings.Index(out, "b=2") {
		t.Errorf("fields not sorted: %q", out)
	}
}
