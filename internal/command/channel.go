// Package command owns the command socket. All socket operations run on one
// looper in submission order, so connect, disconnect and send never race.
package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pkt.systems/piclient/internal/logx"
	"pkt.systems/piclient/internal/looper"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// DefaultWriteTimeout bounds a single command write.
const DefaultWriteTimeout = 5 * time.Second

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures the command channel.
type Config struct {
	Port         int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// DisableAuditLogging drops the per-command debug audit entry.
	DisableAuditLogging bool
}

// Channel serializes connect, disconnect and send against one TCP connection.
type Channel struct {
	cfg    Config
	dialer Dialer
	loop   *looper.Looper
	log    pslog.Logger

	// Owned by loop.
	conn net.Conn
	host schema.Host
}

// New constructs a Channel that dials with net.Dialer.
func New(cfg Config) *Channel {
	return NewWithLogger(cfg, nil, nil)
}

// NewWithLogger constructs a Channel with an optional dialer and logger.
func NewWithLogger(cfg Config, dialer Dialer, logger pslog.Logger) *Channel {
	if cfg.Port == 0 {
		cfg.Port = schema.DefaultCommandPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = schema.DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("component", "command")
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		loop:   looper.NewWithLogger("command", logger),
		log:    logger,
	}
}

// Connect opens host:Port and reports the outcome to cb on the channel worker.
// An open socket is closed first. The dial is not retried. If ctx ends before
// the new socket is installed, the socket is closed and the result carries
// ErrCancelled.
func (c *Channel) Connect(ctx context.Context, host schema.Host, cb func(schema.Result)) {
	if cb == nil {
		cb = func(schema.Result) {}
	}
	err := c.loop.Post(func() { cb(c.connect(ctx, host)) })
	if err != nil {
		cb(schema.Failure(fmt.Errorf("%w: %w", schema.ErrConnect, err), schema.MsgServerNotRunning))
	}
}

// Disconnect closes the socket if open. Close errors are logged only.
func (c *Channel) Disconnect() {
	_ = c.loop.Post(c.disconnect)
}

// SendCommand writes text as raw bytes. Without a live socket the call is a
// silent no-op; write failures are logged and drop the socket.
func (c *Channel) SendCommand(text string) {
	_ = c.loop.Post(func() { c.send(text, false) })
}

// SendToken writes the session token like a command but keeps it out of the
// audit log.
func (c *Channel) SendToken(token schema.Token) {
	_ = c.loop.Post(func() { c.send(string(token), true) })
}

// Close disconnects and stops the worker once queued work has run.
func (c *Channel) Close() {
	c.Disconnect()
	c.loop.Close()
	<-c.loop.Done()
}

func (c *Channel) connect(ctx context.Context, host schema.Host) schema.Result {
	if c.conn != nil {
		c.disconnect()
	}
	addr := host.Addr(c.cfg.Port)
	log := logx.WithHost(c.log, host).With("addr", addr)
	if ctx.Err() != nil {
		log.Info("command connect cancelled", "stage", "before dial")
		return cancelled(ctx)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("command connect cancelled", "stage", "dial")
			return cancelled(ctx)
		}
		log.Warn("command connect failed", "err", err)
		return schema.Failure(fmt.Errorf("%w: %w", schema.ErrConnect, err), schema.MsgServerNotRunning)
	}
	if ctx.Err() != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("command close failed", "err", err)
		}
		log.Info("command connect cancelled", "stage", "after dial")
		return cancelled(ctx)
	}
	c.conn = conn
	c.host = host
	log.Info("command connect ok", "local", conn.LocalAddr().String())
	return schema.Success()
}

func (c *Channel) disconnect() {
	if c.conn == nil {
		c.log.Debug("command disconnect skipped", "reason", "not connected")
		return
	}
	log := logx.WithHost(c.log, c.host)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("command close failed", "err", err)
	} else {
		log.Info("command disconnected")
	}
	c.conn = nil
	c.host = ""
}

func (c *Channel) send(text string, redacted bool) {
	if c.conn == nil {
		c.log.Debug("command send skipped", "reason", "not connected")
		return
	}
	log := logx.WithHost(c.log, c.host)
	if !c.cfg.DisableAuditLogging {
		shown := text
		if redacted {
			shown = logx.TokenHint(schema.Token(text))
		}
		log.Debug("audit command", "command_type", "pi", "command", shown, "bytes", len(text))
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.conn.Write([]byte(text)); err != nil {
		log.Warn("command send failed", "err", err)
		c.disconnect()
		return
	}
	_ = c.conn.SetWriteDeadline(time.Time{})
}

func cancelled(ctx context.Context) schema.Result {
	return schema.Failure(fmt.Errorf("%w: %w", schema.ErrCancelled, context.Cause(ctx)), schema.MsgConnectCancelled)
}
