package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"pkt.systems/piclient/internal/logx"
	"pkt.systems/piclient/internal/looper"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// Manager orchestrates the token handshake, the command channel and the frame
// monitor for one session at a time.
type Manager struct {
	cfg      Config
	transfer TokenTransfer
	command  CommandChannel
	monitor  FrameMonitor
	poster   Poster
	ownLoop  *looper.Looper
	cb       schema.Callbacks
	log      pslog.Logger

	submitMu sync.Mutex
	pool     *pool.Pool
	closed   bool

	mu          sync.Mutex
	state       State
	seq         schema.SessionSeq
	host        schema.Host
	token       schema.Token
	attempt     *attempt
	stopMonitor func()
}

type attempt struct {
	seq      schema.SessionSeq
	cancel   context.CancelFunc
	resolved bool
}

// NewManager constructs a Manager. Transfer, Command and Monitor are required.
func NewManager(cfg Config, deps ManagerDeps, cb schema.Callbacks) (*Manager, error) {
	if deps.Transfer == nil || deps.Command == nil || deps.Monitor == nil {
		return nil, errors.New("manager requires transfer, command and monitor")
	}
	if cfg.TokenDir == "" {
		cfg.TokenDir = os.TempDir()
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = schema.DefaultTokenPath
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("component", "manager")
	m := &Manager{
		cfg:      cfg,
		transfer: deps.Transfer,
		command:  deps.Command,
		monitor:  deps.Monitor,
		poster:   deps.Poster,
		cb:       cb,
		log:      logger,
		pool:     pool.New().WithMaxGoroutines(cfg.PoolSize),
	}
	if m.poster == nil {
		m.ownLoop = looper.NewWithLogger("callbacks", logger)
		m.poster = m.ownLoop
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the token of the current session, if any.
func (m *Manager) Token() schema.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Host returns the host of the current session, if any.
func (m *Manager) Host() schema.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// Connect starts a session with host. The outcome is delivered exactly once
// through OnConnect on the Poster.
func (m *Manager) Connect(host, password string) {
	h, err := schema.NormalizeHost(host)
	if err == nil && password == "" {
		err = errors.New("password is required")
	}
	if err != nil {
		m.log.Warn("manager connect rejected", "err", err)
		m.deliver(schema.Failure(fmt.Errorf("%w: %w", schema.ErrInvalidParameters, err), schema.MsgInvalidParameters))
		return
	}

	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	if m.closed {
		m.deliver(schema.Failure(schema.ErrCancelled, schema.MsgConnectCancelled))
		return
	}

	m.mu.Lock()
	next, err := Transition(m.state, EventConnect)
	if err != nil {
		state := m.state
		m.mu.Unlock()
		m.log.Info("manager connect rejected", "state", state.String(), "host", h)
		m.deliver(schema.Failure(fmt.Errorf("%w: %w", schema.ErrAlreadyConnected, err), schema.MsgAlreadyConnected))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.seq++
	a := &attempt{seq: m.seq, cancel: cancel}
	m.attempt = a
	m.state = next
	m.host = h
	m.token = newToken()
	token := m.token
	m.mu.Unlock()

	log := logx.WithSession(logx.WithHost(m.log, h), a.seq)
	log.Info("manager connect start", "token", logx.TokenHint(token))
	ctx = logx.ContextWithLogger(ctx, log, h, a.seq)
	m.pool.Go(func() { m.runConnect(ctx, a.seq, h, password, token) })
}

// Disconnect closes the command channel and stops the monitor. A connect
// still in flight resolves with ErrCancelled. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	a := m.attempt
	prev := m.state
	m.state, _ = Transition(m.state, EventDisconnect)
	stop := m.stopMonitor
	m.attempt = nil
	m.stopMonitor = nil
	m.host = ""
	m.token = ""
	unresolved := a != nil && !a.resolved
	if unresolved {
		a.resolved = true
	}
	m.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	m.command.Disconnect()
	if stop != nil {
		stop()
	}
	if prev != StateIdle {
		m.log.Info("manager disconnected", "from", prev.String())
	}
	if unresolved {
		m.deliver(schema.Failure(schema.ErrCancelled, schema.MsgConnectCancelled))
	}
}

// SendCommand forwards text to the command channel. Without a live socket the
// command is dropped.
func (m *Manager) SendCommand(text string) {
	m.command.SendCommand(text)
}

// Close disconnects, waits for connect tasks and stops the Manager's own
// callback looper if it created one.
func (m *Manager) Close() {
	m.submitMu.Lock()
	already := m.closed
	m.closed = true
	m.submitMu.Unlock()
	if already {
		return
	}
	m.Disconnect()
	m.pool.Wait()
	if m.ownLoop != nil {
		m.ownLoop.Close()
		<-m.ownLoop.Done()
	}
}

func (m *Manager) runConnect(ctx context.Context, seq schema.SessionSeq, host schema.Host, password string, token schema.Token) {
	log := logx.FromContext(ctx)
	path := filepath.Join(m.cfg.TokenDir, schema.TokenFileName)
	if res := writeToken(path, token); res.IsError() {
		log.Warn("manager token write failed", "path", path, "err", res.Err())
		m.fail(seq, res)
		return
	}
	if !m.advance(seq, EventTokenWritten) {
		return
	}

	err := m.transfer.Send(ctx, schema.TransferRequest{
		Host:       host,
		Password:   password,
		LocalPath:  path,
		RemotePath: m.cfg.RemotePath,
	})
	if err != nil {
		if !errors.Is(err, schema.ErrTransfer) {
			err = fmt.Errorf("%w: %w", schema.ErrTransfer, err)
		}
		log.Warn("manager token transfer failed", "err", err)
		m.fail(seq, schema.Failure(err, schema.MsgCannotSendToken))
		return
	}
	if !m.advance(seq, EventTokenSent) {
		return
	}

	m.command.Connect(ctx, host, func(res schema.Result) {
		m.onCommandConnected(ctx, seq, host, token, res)
	})
}

// onCommandConnected runs on the command channel worker.
func (m *Manager) onCommandConnected(ctx context.Context, seq schema.SessionSeq, host schema.Host, token schema.Token, res schema.Result) {
	log := logx.FromContext(ctx)
	if res.IsError() {
		log.Warn("manager command connect failed", "err", res.Err())
		m.fail(seq, res)
		return
	}
	if !m.advance(seq, EventCommandConnected) {
		log.Debug("manager stale command connect", "reason", "session replaced")
		return
	}

	stop := m.monitor.Start(ctx, host, schema.FrameSink{
		OnFrame: func(img *image.RGBA) { m.onFrame(seq, img) },
		OnStop:  m.onMonitorStop,
	})
	m.mu.Lock()
	current := m.attempt != nil && m.attempt.seq == seq
	if current {
		m.stopMonitor = stop
	}
	m.mu.Unlock()
	if !current {
		stop()
		return
	}

	m.command.SendToken(token)
	log.Info("manager connected")
	m.resolve(seq, schema.Success())
}

// advance applies e if seq is still the live attempt.
func (m *Manager) advance(seq schema.SessionSeq, e Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == nil || m.attempt.seq != seq {
		return false
	}
	next, err := Transition(m.state, e)
	if err != nil {
		m.log.Error("manager transition rejected", "session", uint64(seq), "err", err)
		return false
	}
	m.state = next
	return true
}

// fail returns to Idle and resolves seq with res.
func (m *Manager) fail(seq schema.SessionSeq, res schema.Result) {
	m.mu.Lock()
	a := m.attempt
	if a == nil || a.seq != seq || a.resolved {
		m.mu.Unlock()
		return
	}
	m.state, _ = Transition(m.state, EventFailed)
	a.resolved = true
	m.attempt = nil
	m.host = ""
	m.token = ""
	m.mu.Unlock()
	a.cancel()
	m.deliver(res)
}

func (m *Manager) resolve(seq schema.SessionSeq, res schema.Result) {
	m.mu.Lock()
	a := m.attempt
	if a == nil || a.seq != seq || a.resolved {
		m.mu.Unlock()
		return
	}
	a.resolved = true
	m.mu.Unlock()
	m.deliver(res)
}

func (m *Manager) onFrame(seq schema.SessionSeq, img *image.RGBA) {
	m.mu.Lock()
	current := m.attempt != nil && m.attempt.seq == seq
	m.mu.Unlock()
	if !current || m.cb.OnFrame == nil {
		return
	}
	m.cb.OnFrame(img)
}

func (m *Manager) onMonitorStop(err error) {
	if m.cb.OnMonitorStop != nil {
		m.cb.OnMonitorStop(err)
	}
}

func (m *Manager) deliver(res schema.Result) {
	if m.cb.OnConnect == nil {
		return
	}
	if err := m.poster.Post(func() { m.cb.OnConnect(res) }); err != nil {
		m.log.Warn("manager callback dropped", "result", res.String(), "err", err)
	}
}

func writeToken(path string, token schema.Token) schema.Result {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return schema.Failure(fmt.Errorf("%w: %w", schema.ErrLocalIO, err), schema.MsgCannotWriteToken)
	}
	if _, err := file.WriteString(string(token)); err != nil {
		_ = file.Close()
		return schema.Failure(fmt.Errorf("%w: %w", schema.ErrLocalIO, err), schema.MsgCannotWriteToken)
	}
	if err := file.Close(); err != nil {
		return schema.Failure(fmt.Errorf("%w: %w", schema.ErrLocalIO, err), schema.MsgCannotCloseToken)
	}
	return schema.Success()
}
