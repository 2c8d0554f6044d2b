package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFromContextDefault(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("FromContext returned nil")
	}
	// Must not panic.
	l.Info().Msg("discarded")
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug")
	if err != nil {
		t.Fatalf("New returned error %v", err)
	}
	ctx := WithLogger(context.Background(), &logger)
	FromContext(ctx).Debug().Str("component", "st2common").Msg("staging")
	out := buf.String()
	if !strings.Contains(out, "staging") || !strings.Contains(out, "component=st2common") {
		t.Errorf("unexpected log output %q", out)
	}
}

func TestNewLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "")
	if err != nil {
		t.Fatalf("New returned error %v", err)
	}
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message written at info level: %q", buf.String())
	}
	if _, err := New(&buf, "loud"); err == nil {
		t.Error("New accepted an unknown level")
	}
}
