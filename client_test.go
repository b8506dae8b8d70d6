package piclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/piclient/core"
	"pkt.systems/piclient/internal/eventbus"
	"pkt.systems/piclient/internal/fakepi"
	"pkt.systems/piclient/schema"
)

const simPassword = "raspberry"

func startSimulator(t *testing.T, maxFrames int) *fakepi.Server {
	t.Helper()
	srv, err := fakepi.New(fakepi.Config{
		RootDir:       t.TempDir(),
		Password:      simPassword,
		FrameWidth:    8,
		FrameHeight:   2,
		FrameInterval: 10 * time.Millisecond,
		MaxFrames:     maxFrames,
	}, nil)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func newClient(t *testing.T, srv *fakepi.Server, cfg Config) *Client {
	t.Helper()
	sshPort, cmdPort, monPort := srv.Ports()
	cfg.Server.SSHPort = sshPort
	cfg.Server.CommandPort = cmdPort
	cfg.Server.MonitorPort = monPort
	cfg.Server.DialTimeout = 2 * time.Second
	if cfg.TokenDir == "" {
		cfg.TokenDir = t.TempDir()
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, events <-chan eventbus.Event, kind eventbus.EventType) eventbus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
			return eventbus.Event{}
		}
	}
}

func TestEndToEndSession(t *testing.T) {
	srv := startSimulator(t, 0)
	snapDir := filepath.Join(t.TempDir(), "snaps")
	client := newClient(t, srv, Config{Snapshots: SnapshotConfig{Dir: snapDir, Every: 1}})
	events, cancel := client.Subscribe()
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	res, err := client.ConnectAndWait(ctx, "127.0.0.1", simPassword)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %s", res)
	}
	if client.State() != core.StateConnected {
		t.Fatalf("expected connected, got %s", client.State())
	}

	ev := waitFor(t, events, eventbus.EventFrame)
	if b := ev.Frame.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Fatalf("unexpected frame bounds %v", b)
	}

	client.SendCommand("mode")
	deadline := time.Now().Add(5 * time.Second)
	for srv.CommandStream() != "mode" {
		if time.Now().After(deadline) {
			t.Fatalf("simulator did not receive command, got %q", srv.CommandStream())
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.Disconnect()
	stop := waitFor(t, events, eventbus.EventMonitorStop)
	if stop.Err != nil {
		t.Fatalf("expected clean monitor stop, got %v", stop.Err)
	}
	if client.State() != core.StateIdle {
		t.Fatalf("expected idle after disconnect, got %s", client.State())
	}
	entries, err := os.ReadDir(snapDir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected snapshots in %s: %v", snapDir, err)
	}
}

func TestEndToEndWrongPassword(t *testing.T) {
	srv := startSimulator(t, 0)
	client := newClient(t, srv, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := client.ConnectAndWait(ctx, "127.0.0.1", "nope")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.Message() != schema.MsgCannotSendToken || !errors.Is(res.Err(), schema.ErrTransfer) {
		t.Fatalf("unexpected result %s", res)
	}
	if client.State() != core.StateIdle {
		t.Fatalf("expected idle, got %s", client.State())
	}
}

func TestEndToEndStreamEnd(t *testing.T) {
	srv := startSimulator(t, 1)
	client := newClient(t, srv, Config{})
	events, cancel := client.Subscribe()
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if res, err := client.ConnectAndWait(ctx, "127.0.0.1", simPassword); err != nil || !res.IsSuccess() {
		t.Fatalf("connect: %s, %v", res, err)
	}
	waitFor(t, events, eventbus.EventFrame)
	stop := waitFor(t, events, eventbus.EventMonitorStop)
	if !errors.Is(stop.Err, schema.ErrStreamEnd) {
		t.Fatalf("expected stream end, got %v", stop.Err)
	}
	if client.State() != core.StateConnected {
		t.Fatalf("command session should outlive the monitor stream, got %s", client.State())
	}
}
