// Package monitor streams composite frames from the pi server's monitor port.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/piclient/internal/frame"
	"pkt.systems/piclient/internal/logx"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

const readBufferSize = 64 << 10

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Poster runs callbacks on the caller's context.
type Poster interface {
	Post(fn func()) error
}

// Config configures the monitor.
type Config struct {
	Port          int
	DialTimeout   time.Duration
	MaxFrameBytes int
}

// Monitor starts frame streams. Each Start runs on its own goroutine that
// owns the socket for its lifetime.
type Monitor struct {
	cfg    Config
	dialer Dialer
	poster Poster
	log    pslog.Logger
}

// New constructs a Monitor that delivers callbacks through poster. A nil poster
// runs callbacks on the stream goroutine; stop called from such a callback
// cancels the stream without waiting for it.
func New(cfg Config, poster Poster) *Monitor {
	return NewWithLogger(cfg, poster, nil, nil)
}

// NewWithLogger constructs a Monitor with an optional dialer and logger.
func NewWithLogger(cfg Config, poster Poster, dialer Dialer, logger pslog.Logger) *Monitor {
	if cfg.Port == 0 {
		cfg.Port = schema.DefaultMonitorPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = schema.DefaultDialTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = frame.DefaultMaxFrameBytes
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Monitor{
		cfg:    cfg,
		dialer: dialer,
		poster: poster,
		log:    logger.With("component", "monitor"),
	}
}

// Start connects to host and streams frames into sink until ctx is cancelled,
// stop is called, or the stream fails. stop cancels the stream and waits for
// the socket to be closed; it is safe to call more than once.
func (m *Monitor) Start(ctx context.Context, host schema.Host, sink schema.FrameSink) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	log := logx.WithHost(m.log, host)
	var inline atomic.Bool
	post := func(fn func()) { m.post(log, &inline, fn) }
	go func() {
		defer close(done)
		err := m.stream(ctx, host, sink, log, post)
		switch {
		case err == nil:
			log.Info("monitor stopped")
		case errors.Is(err, schema.ErrStreamEnd):
			log.Info("monitor stream ended", "err", err)
		default:
			log.Warn("monitor failed", "err", err)
		}
		if sink.OnStop != nil {
			post(func() { sink.OnStop(err) })
		}
	}()
	var once sync.Once
	return func() {
		once.Do(cancel)
		if inline.Load() {
			return
		}
		<-done
	}
}

func (m *Monitor) stream(ctx context.Context, host schema.Host, sink schema.FrameSink, log pslog.Logger, post func(func())) error {
	addr := host.Addr(m.cfg.Port)
	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", schema.ErrMonitorConnect, err)
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("monitor close failed", "err", err)
		}
	}()
	stopRead := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopRead()
	log.Info("monitor connected", "addr", addr)

	r := bufio.NewReaderSize(conn, readBufferSize)
	warned := false
	var frames uint64
	for {
		payload, err := frame.ReadFrame(r, m.cfg.MaxFrameBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, schema.ErrStreamEnd) && !errors.Is(err, schema.ErrFrameTooLarge) {
				err = fmt.Errorf("%w: %w", schema.ErrStreamEnd, err)
			}
			return err
		}
		img, layout, err := frame.Assemble(payload)
		if err != nil {
			return err
		}
		if layout.Ragged && !warned {
			log.Warn("monitor sub-image widths differ", "width", layout.Width, "height", layout.Height)
			warned = true
		}
		frames++
		log.Trace("monitor frame", "seq", frames, "bytes", len(payload), "width", layout.Width, "height", layout.Height)
		if ctx.Err() != nil {
			return nil
		}
		if sink.OnFrame != nil {
			post(func() { sink.OnFrame(img) })
		}
	}
}

func (m *Monitor) post(log pslog.Logger, inline *atomic.Bool, fn func()) {
	if m.poster == nil {
		inline.Store(true)
		defer inline.Store(false)
		fn()
		return
	}
	if err := m.poster.Post(fn); err != nil {
		log.Debug("monitor callback dropped", "err", err)
	}
}
