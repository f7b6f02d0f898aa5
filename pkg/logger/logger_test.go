package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rl1809/medistock/internal/config"
)

func TestNew_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := New(config.LogConfig{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("reservation created")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"reservation created"`) {
		t.Errorf("expected json entry, got %s", data)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud", Format: "json", OutputPath: "stdout"}); err == nil {
		t.Error("expected error for invalid level")
	}
}
