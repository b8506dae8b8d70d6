package core

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/piclient/internal/command"
	"pkt.systems/piclient/internal/looper"
	"pkt.systems/piclient/schema"
)

// lateChannel forwards to a real command channel but runs hook before each
// Connect reaches it.
type lateChannel struct {
	*command.Channel
	hook func()
}

func (c *lateChannel) Connect(ctx context.Context, host schema.Host, cb func(schema.Result)) {
	if c.hook != nil {
		c.hook()
	}
	c.Channel.Connect(ctx, host, cb)
}

// recordingListener collects everything any accepted socket receives.
type recordingListener struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	data strings.Builder
}

func newRecordingListener(t *testing.T) *recordingListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &recordingListener{ln: ln}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer conn.Close()
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				b, _ := io.ReadAll(conn)
				r.mu.Lock()
				r.data.Write(b)
				r.mu.Unlock()
			}()
		}
	}()
	return r
}

func (r *recordingListener) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *recordingListener) closeAndRead() string {
	_ = r.ln.Close()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String()
}

func TestDisconnectRacingCommandDialLeavesNoSocket(t *testing.T) {
	server := newRecordingListener(t)
	channel := &lateChannel{Channel: command.NewWithLogger(command.Config{Port: server.port(), DialTimeout: time.Second}, nil, nil)}
	loop := looper.New("test-callbacks")
	defer func() {
		loop.Close()
		<-loop.Done()
	}()
	results := make(chan schema.Result, 4)
	m, err := NewManager(Config{TokenDir: t.TempDir()}, ManagerDeps{
		Transfer: &fakeTransfer{journal: &journal{}},
		Command:  channel,
		Monitor:  &fakeMonitor{journal: &journal{}},
		Poster:   loop,
	}, schema.Callbacks{
		OnConnect: func(res schema.Result) { results <- res },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	channel.hook = m.Disconnect

	m.Connect("127.0.0.1", "secret")
	select {
	case res := <-results:
		if res.Message() != schema.MsgConnectCancelled {
			t.Fatalf("unexpected result %s", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for connect result")
	}
	m.Close()
	if got := m.State(); got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}

	m.SendCommand("leaked")
	channel.Close()
	if got := server.closeAndRead(); got != "" {
		t.Fatalf("server received %q after disconnect", got)
	}
}
