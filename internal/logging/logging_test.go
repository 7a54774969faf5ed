package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewWithOutput() error = %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", log.GetLevel())
	}

	log.WithField("capture_id", "abc").Debug("capture transition")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["capture_id"] != "abc" || entry["msg"] != "capture transition" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewWithOutputText(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput(&buf, "", "text")
	if err != nil {
		t.Fatalf("NewWithOutput() error = %v", err)
	}
	log.Debug("hidden")
	log.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New("loud", "text"); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
