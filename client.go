package piclient

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"pkt.systems/piclient/core"
	"pkt.systems/piclient/internal/command"
	"pkt.systems/piclient/internal/eventbus"
	"pkt.systems/piclient/internal/looper"
	"pkt.systems/piclient/internal/monitor"
	"pkt.systems/piclient/internal/snapshot"
	"pkt.systems/piclient/internal/transfer"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// Config configures a Client.
type Config struct {
	Server              schema.ServerConfig
	TokenDir            string
	PoolSize            int
	MaxFrameBytes       int
	DisableAuditLogging bool
	Snapshots           SnapshotConfig
}

// SnapshotConfig enables saving every Nth frame as PNG when Dir is set.
type SnapshotConfig struct {
	Dir   string
	Every int
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	transfer  core.TokenTransfer
	poster    core.Poster
	logger    pslog.Logger
	callbacks []schema.Callbacks
}

// WithTransfer replaces the SFTP token transfer.
func WithTransfer(t core.TokenTransfer) Option {
	return func(o *options) { o.transfer = t }
}

// WithPoster delivers callbacks on the given context instead of a private looper.
func WithPoster(p core.Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallbacks adds callbacks invoked alongside the event bus.
func WithCallbacks(cb schema.Callbacks) Option {
	return func(o *options) { o.callbacks = append(o.callbacks, cb) }
}

// Client is a pi server session: token handshake, command channel and frame
// monitor, with events fanned out to subscribers.
type Client struct {
	manager   *core.Manager
	command   *command.Channel
	bus       *eventbus.Bus
	loop      *looper.Looper
	snapshots *snapshot.Saver
	log       pslog.Logger
}

// New wires a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	server, err := schema.NormalizeServerConfig(cfg.Server)
	if err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if cfg.TokenDir != "" {
		if err := os.MkdirAll(cfg.TokenDir, 0o700); err != nil {
			return nil, fmt.Errorf("create token dir: %w", err)
		}
	}

	c := &Client{log: logger, bus: eventbus.New(logger)}
	poster := o.poster
	if poster == nil {
		c.loop = looper.NewWithLogger("callbacks", logger)
		poster = c.loop
	}
	if cfg.Snapshots.Dir != "" {
		every := cfg.Snapshots.Every
		if every <= 0 {
			every = 1
		}
		saver, err := snapshot.NewWithLogger(cfg.Snapshots.Dir, every, logger)
		if err != nil {
			c.closeLoop()
			return nil, err
		}
		c.snapshots = saver
	}

	tokenTransfer := o.transfer
	if tokenTransfer == nil {
		tokenTransfer = transfer.NewWithLogger(transfer.Config{
			User:           server.SSHUser,
			Port:           server.SSHPort,
			DialTimeout:    server.DialTimeout,
			KnownHostsFile: server.KnownHostsFile,
		}, logger)
	}
	c.command = command.NewWithLogger(command.Config{
		Port:                server.CommandPort,
		DialTimeout:         server.DialTimeout,
		DisableAuditLogging: cfg.DisableAuditLogging,
	}, nil, logger)
	frames := monitor.NewWithLogger(monitor.Config{
		Port:          server.MonitorPort,
		DialTimeout:   server.DialTimeout,
		MaxFrameBytes: cfg.MaxFrameBytes,
	}, poster, nil, logger)

	sinks := append([]schema.Callbacks{c.bus.Callbacks()}, o.callbacks...)
	if c.snapshots != nil {
		sinks = append(sinks, schema.Callbacks{OnFrame: c.saveSnapshot})
	}
	manager, err := core.NewManager(core.Config{
		TokenDir:   cfg.TokenDir,
		RemotePath: server.TokenPath,
		PoolSize:   cfg.PoolSize,
	}, core.ManagerDeps{
		Transfer: tokenTransfer,
		Command:  c.command,
		Monitor:  frames,
		Poster:   poster,
		Logger:   logger,
	}, callbackFanout(sinks).callbacks())
	if err != nil {
		c.command.Close()
		c.closeLoop()
		return nil, err
	}
	c.manager = manager
	return c, nil
}

// Connect starts a session. The outcome is published as an EventConnect.
func (c *Client) Connect(host, password string) {
	c.manager.Connect(host, password)
}

// ConnectAndWait connects and blocks until the outcome is known or ctx ends.
func (c *Client) ConnectAndWait(ctx context.Context, host, password string) (schema.Result, error) {
	events, cancel := c.bus.Subscribe()
	defer cancel()
	c.manager.Connect(host, password)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return schema.Result{}, errors.New("event stream closed")
			}
			if ev.Type == eventbus.EventConnect {
				return ev.Result, nil
			}
		case <-ctx.Done():
			c.manager.Disconnect()
			return schema.Result{}, ctx.Err()
		}
	}
}

// Disconnect ends the session.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
}

// SendCommand sends text on the command channel.
func (c *Client) SendCommand(text string) {
	c.manager.SendCommand(text)
}

// State reports the connection state.
func (c *Client) State() core.State {
	return c.manager.State()
}

// Subscribe returns a channel of session events and a cancel func.
func (c *Client) Subscribe() (<-chan eventbus.Event, func()) {
	return c.bus.Subscribe()
}

// SnapshotStats reports saved and dropped snapshot counts.
func (c *Client) SnapshotStats() (saved, dropped uint64) {
	if c.snapshots == nil {
		return 0, 0
	}
	return c.snapshots.Stats()
}

// Close disconnects and releases all workers.
func (c *Client) Close() {
	c.manager.Close()
	c.command.Close()
	c.closeLoop()
}

func (c *Client) saveSnapshot(img *image.RGBA) {
	_, _ = c.snapshots.Offer(img)
}

func (c *Client) closeLoop() {
	if c.loop == nil {
		return
	}
	c.loop.Close()
	<-c.loop.Done()
}
