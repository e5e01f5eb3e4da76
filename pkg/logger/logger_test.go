package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simcmd.log")
	lg, closer := Build(Options{Level: "debug", File: path})
	if closer == nil {
		t.Fatal("expected closer for file output")
	}
	lg.Debug("tick", "n", 1)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"tick"`) {
		t.Fatalf("unexpected log content %q", data)
	}
}

func TestBuildLevels(t *testing.T) {
	lg, closer := Build(Options{Level: "warn", Format: "text"})
	if closer != nil {
		t.Fatal("stdout logger must not return closer")
	}
	if lg.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info must be disabled at warn level")
	}
	lg, _ = Build(Options{Level: "nonsense"})
	if !lg.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("invalid level must fall back to info")
	}
	t.Setenv("LOG_LEVEL", "error")
	if New().Enabled(context.Background(), slog.LevelWarn) {
		t.Fatal("LOG_LEVEL must be honored")
	}
}
