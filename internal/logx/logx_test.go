package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

func TestWithHostSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	WithHost(logger, "").Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["host"]; ok {
		t.Fatalf("did not expect host for empty value, got %+v", entry)
	}
}

func TestFromContextAddsSessionFields(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	ctx := ContextWithLogger(context.Background(), logger, "pi.local", 7)
	FromContext(ctx).Info("hello")

	entry := capture.firstEntry(t)
	if entry["host"] != "pi.local" {
		t.Fatalf("expected host field, got %+v", entry)
	}
	if session, ok := entry["session"].(float64); !ok || session != 7 {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestTokenHintHidesToken(t *testing.T) {
	token := schema.Token("0f8fad5b-d9cb-469f-a165-70867728950e")
	hint := TokenHint(token)
	if hint != "0f8fad5b****" {
		t.Fatalf("unexpected hint %q", hint)
	}
	if TokenHint("short") != "****" {
		t.Fatalf("expected short token to be fully masked")
	}
}

func newTestLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
