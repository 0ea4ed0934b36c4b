package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	log := New(Config{Level: "debug", Format: "json", File: path})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	log.With(String("component", "test")).Info(ctx, "decision delivered", Bool("allowed", true), Error(errors.New("boom")))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"decision delivered"`, `"component":"test"`, `"allowed":true`, `"request_id":"req-1"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestZapBackendRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zap.log")
	log := New(Config{Level: "warn", Format: "json", Backend: "zap", File: path})

	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept", Int("n", 3))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Fatalf("info entry should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, `"n":3`) {
		t.Fatalf("warn entry missing from output: %q", out)
	}
}

func TestEnsureRequestIDIsStable(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("expected generated request id")
	}
	_, again := EnsureRequestID(ctx)
	if again != id {
		t.Fatalf("EnsureRequestID replaced existing id: %q != %q", again, id)
	}
}

func TestNoopLoggerIsSafe(t *testing.T) {
	log := Noop().With(String("k", "v"))
	log.Debug(context.Background(), "x")
	log.Error(context.Background(), "y")
}
