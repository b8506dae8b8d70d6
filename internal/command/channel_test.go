package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

func TestSendCommandPreservesOrder(t *testing.T) {
	ln, port := listen(t)
	received := acceptAll(t, ln)

	ch := NewWithLogger(Config{Port: port}, nil, nil)
	connectOK(t, ch, "127.0.0.1")

	var expected strings.Builder
	for i := 0; i < 50; i++ {
		cmd := fmt.Sprintf("cmd-%02d;", i)
		expected.WriteString(cmd)
		ch.SendCommand(cmd)
	}
	ch.Close()

	got := <-received
	if got != expected.String() {
		t.Fatalf("commands out of order:\nwant %q\ngot  %q", expected.String(), got)
	}
}

func TestConcurrentSendersDoNotInterleave(t *testing.T) {
	ln, port := listen(t)
	received := acceptAll(t, ln)

	ch := NewWithLogger(Config{Port: port}, nil, nil)
	connectOK(t, ch, "127.0.0.1")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				ch.SendCommand(fmt.Sprintf("<%d:%02d>", g, i))
			}
		}(g)
	}
	wg.Wait()
	ch.Close()

	got := <-received
	if len(got) != 4*20*6 {
		t.Fatalf("expected %d bytes, got %d", 4*20*6, len(got))
	}
	last := map[byte]int{}
	for i := 0; i < len(got); i += 6 {
		chunk := got[i : i+6]
		if chunk[0] != '<' || chunk[5] != '>' {
			t.Fatalf("interleaved write at %d: %q", i, chunk)
		}
		var seq int
		if _, err := fmt.Sscanf(chunk[3:5], "%02d", &seq); err != nil {
			t.Fatalf("parse chunk %q: %v", chunk, err)
		}
		prev, seen := last[chunk[1]]
		if seen && seq != prev+1 {
			t.Fatalf("sender %c out of order: %d after %d", chunk[1], seq, prev)
		}
		last[chunk[1]] = seq
	}
}

func TestSendWithoutConnectionIsNoop(t *testing.T) {
	ch := New(Config{Port: 1})
	ch.SendCommand("mode")
	ch.Disconnect()
	ch.Disconnect()
	ch.Close()
}

func TestConnectRefusedReportsServerNotRunning(t *testing.T) {
	ln, port := listen(t)
	_ = ln.Close()

	ch := NewWithLogger(Config{Port: port, DialTimeout: time.Second}, nil, nil)
	defer ch.Close()

	res := connect(t, ch, "127.0.0.1")
	if !res.IsError() {
		t.Fatalf("expected error result, got %s", res)
	}
	if res.Message() != schema.MsgServerNotRunning {
		t.Fatalf("unexpected message %q", res.Message())
	}
	if !errors.Is(res.Err(), schema.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", res.Err())
	}
}

func TestConnectAfterCloseFailsImmediately(t *testing.T) {
	ch := New(Config{Port: 1})
	ch.Close()

	res := connect(t, ch, "127.0.0.1")
	if !res.IsError() {
		t.Fatalf("expected error after close, got %s", res)
	}
}

func TestReconnectReplacesSocket(t *testing.T) {
	first, firstPort := listen(t)
	firstData := acceptAll(t, first)
	second, secondPort := listen(t)
	secondData := acceptAll(t, second)

	ch := NewWithLogger(Config{Port: firstPort}, nil, nil)
	connectOK(t, ch, "127.0.0.1")
	ch.SendCommand("one")

	ch.cfg.Port = secondPort
	connectOK(t, ch, "127.0.0.1")
	ch.SendCommand("two")
	ch.Close()

	if got := <-firstData; got != "one" {
		t.Fatalf("first socket got %q", got)
	}
	if got := <-secondData; got != "two" {
		t.Fatalf("second socket got %q", got)
	}
}

func TestAuditLogRedactsToken(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	ln, port := listen(t)
	received := acceptAll(t, ln)

	token := schema.Token("0f8fad5b-d9cb-469f-a165-70867728950e")
	ch := NewWithLogger(Config{Port: port}, nil, logger)
	connectOK(t, ch, "127.0.0.1")
	ch.SendToken(token)
	ch.SendCommand("mode")
	ch.Close()

	if got := <-received; got != string(token)+"mode" {
		t.Fatalf("unexpected bytes %q", got)
	}
	entries := capture.Entries()
	if !hasAuditCommand(entries, "pi", "mode") {
		t.Fatalf("expected audit log for mode, got %d entries", len(entries))
	}
	if !hasAuditCommand(entries, "pi", "0f8fad5b****") {
		t.Fatalf("expected redacted token audit entry")
	}
	for _, entry := range entries {
		if strings.Contains(entry.Raw, string(token)) {
			t.Fatalf("token leaked into log: %s", entry.Raw)
		}
	}
}

func TestAuditLogCanBeDisabled(t *testing.T) {
	capture := newLogCapture(t)
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	ln, port := listen(t)
	received := acceptAll(t, ln)

	ch := NewWithLogger(Config{Port: port, DisableAuditLogging: true}, nil, logger)
	connectOK(t, ch, "127.0.0.1")
	ch.SendCommand("mode")
	ch.Close()
	<-received

	if hasAuditCommand(capture.Entries(), "pi", "mode") {
		t.Fatalf("did not expect audit log when disabled")
	}
}

// cancellingDialer dials normally, then ends the caller's context as if a
// disconnect raced the dial.
type cancellingDialer struct {
	cancel context.CancelFunc
	dials  int
}

func (d *cancellingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials++
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, address)
	d.cancel()
	return conn, err
}

func TestConnectCancelledDuringDialClosesSocket(t *testing.T) {
	ln, port := listen(t)
	data := acceptAll(t, ln)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := &cancellingDialer{cancel: cancel}
	ch := NewWithLogger(Config{Port: port, DialTimeout: time.Second}, dialer, nil)
	defer ch.Close()

	done := make(chan schema.Result, 1)
	ch.Connect(ctx, "127.0.0.1", func(res schema.Result) { done <- res })
	var res schema.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for connect result")
	}
	if res.Message() != schema.MsgConnectCancelled || !errors.Is(res.Err(), schema.ErrCancelled) {
		t.Fatalf("expected cancelled result, got %s", res)
	}
	ch.SendCommand("leaked")

	select {
	case got := <-data:
		if got != "" {
			t.Fatalf("server received %q over a cancelled connect", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("socket from cancelled connect was left open")
	}
}

func TestConnectWithEndedContextSkipsDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dialer := &cancellingDialer{cancel: func() {}}
	ch := NewWithLogger(Config{Port: 1}, dialer, nil)

	done := make(chan schema.Result, 1)
	ch.Connect(ctx, "127.0.0.1", func(res schema.Result) { done <- res })
	res := <-done
	ch.Close()
	if !errors.Is(res.Err(), schema.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %s", res)
	}
	if dialer.dials != 0 {
		t.Fatalf("expected no dial, got %d", dialer.dials)
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// acceptAll accepts one connection and delivers everything read until EOF.
func acceptAll(t *testing.T, ln net.Listener) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- ""
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		data, _ := io.ReadAll(conn)
		out <- string(data)
	}()
	return out
}

func connect(t *testing.T, ch *Channel, host schema.Host) schema.Result {
	t.Helper()
	done := make(chan schema.Result, 1)
	ch.Connect(context.Background(), host, func(res schema.Result) { done <- res })
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for connect result")
		return schema.Result{}
	}
}

func connectOK(t *testing.T, ch *Channel, host schema.Host) {
	t.Helper()
	if res := connect(t, ch, host); !res.IsSuccess() {
		t.Fatalf("connect: %s", res)
	}
}

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	Raw     string
}

type logCapture struct {
	t     *testing.T
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func newLogCapture(t *testing.T) *logCapture {
	t.Helper()
	return &logCapture{t: t}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		c.lines = append(c.lines, string(data[:idx]))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (c *logCapture) Entries() []logEntry {
	c.mu.Lock()
	lines := make([]string, len(c.lines))
	copy(lines, c.lines)
	c.mu.Unlock()
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogEntry(line))
	}
	return entries
}

func parseLogEntry(line string) logEntry {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return logEntry{Raw: line}
	}
	level := ""
	if value, ok := payload["level"].(string); ok {
		level = value
	} else if value, ok := payload["lvl"].(string); ok {
		level = value
	}
	message := ""
	if value, ok := payload["message"].(string); ok {
		message = value
	} else if value, ok := payload["msg"].(string); ok {
		message = value
	}
	return logEntry{Level: level, Message: message, Fields: payload, Raw: line}
}

func hasAuditCommand(entries []logEntry, commandType, command string) bool {
	for _, entry := range entries {
		if entry.Level != "debug" || entry.Message != "audit command" {
			continue
		}
		if entry.Fields["command_type"] != commandType {
			continue
		}
		if entry.Fields["command"] == command {
			return true
		}
	}
	return false
}
