// Package fakepi simulates a pi server: an SSH/SFTP endpoint that accepts the
// session token, a command port that authorizes on that token and a monitor
// port that streams synthetic composite frames.
package fakepi

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/piclient/internal/frame"
	"pkt.systems/piclient/internal/logx"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

const tokenLength = 36

// Config configures the simulator. A zero port binds an ephemeral port.
type Config struct {
	ListenHost    string
	SSHPort       int
	CommandPort   int
	MonitorPort   int
	User          string
	Password      string
	RootDir       string
	TokenPath     string
	HostKeyPath   string
	FrameWidth    int
	FrameHeight   int
	FrameInterval time.Duration
	// MaxFrames closes each monitor stream after this many frames. Zero streams forever.
	MaxFrames int
}

// Server is a running simulator.
type Server struct {
	cfg    Config
	log    pslog.Logger
	signer ssh.Signer
	fs     rootFS

	sshLn net.Listener
	cmdLn net.Listener
	monLn net.Listener

	authOnce   sync.Once
	authorized chan struct{}

	mu     sync.Mutex
	stream strings.Builder
	conns  map[net.Conn]struct{}
}

// New validates cfg and prepares the root directory and host key.
func New(cfg Config, logger pslog.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.RootDir) == "" {
		return nil, errors.New("simulator root dir is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("simulator password is required")
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.User == "" {
		cfg.User = schema.DefaultSSHUser
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = schema.DefaultTokenPath
	}
	if cfg.FrameWidth <= 0 {
		cfg.FrameWidth = 160
	}
	if cfg.FrameHeight <= 0 {
		cfg.FrameHeight = 30
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 200 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create simulator root: %w", err)
	}
	signer, err := EnsureHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{
		cfg:        cfg,
		log:        logger.With("component", "simulator"),
		signer:     signer,
		fs:         rootFS{root: cfg.RootDir},
		authorized: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// HostKey returns the simulator's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Listen binds the three listeners.
func (s *Server) Listen() error {
	var err error
	if s.sshLn, err = s.listen(s.cfg.SSHPort); err != nil {
		return err
	}
	if s.cmdLn, err = s.listen(s.cfg.CommandPort); err != nil {
		_ = s.sshLn.Close()
		return err
	}
	if s.monLn, err = s.listen(s.cfg.MonitorPort); err != nil {
		_ = s.sshLn.Close()
		_ = s.cmdLn.Close()
		return err
	}
	return nil
}

func (s *Server) listen(port int) (net.Listener, error) {
	addr := schema.Host(s.cfg.ListenHost).Addr(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Ports returns the bound ports. Valid after Listen.
func (s *Server) Ports() (sshPort, commandPort, monitorPort int) {
	return portOf(s.sshLn), portOf(s.cmdLn), portOf(s.monLn)
}

func portOf(ln net.Listener) int {
	if ln == nil {
		return 0
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs all listeners until ctx is cancelled or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.sshLn == nil {
		return errors.New("simulator is not listening")
	}
	server := &gliderssh.Server{
		Handler: func(sess gliderssh.Session) {
			_, _ = io.WriteString(sess, "sftp only\n")
			_ = sess.Exit(1)
		},
		PasswordHandler: s.handlePassword,
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": s.handleSFTP,
		},
	}
	server.AddHostKey(s.signer)

	sshPort, cmdPort, monPort := s.Ports()
	s.log.Info("simulator listening", "host", s.cfg.ListenHost, "ssh_port", sshPort, "command_port", cmdPort, "monitor_port", monPort)

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := server.Serve(s.sshLn); err != nil && !errors.Is(err, gliderssh.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.acceptLoop(ctx, s.cmdLn, s.handleCommand); err != nil {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.acceptLoop(ctx, s.monLn, s.handleMonitor); err != nil {
			errCh <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	_ = server.Close()
	_ = s.cmdLn.Close()
	_ = s.monLn.Close()
	s.closeConns()
	wg.Wait()
	s.log.Info("simulator stopped")
	return err
}

// CommandStream returns every byte received on authorized command sockets
// after the token.
func (s *Server) CommandStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.String()
}

// Authorized is closed once a command socket presented the current token.
func (s *Server) Authorized() <-chan struct{} {
	return s.authorized
}

func (s *Server) handlePassword(ctx gliderssh.Context, password string) bool {
	ok := ctx.User() == s.cfg.User && password == s.cfg.Password
	log := logx.WithRemote(s.log, ctx.RemoteAddr().String())
	if ok {
		log.Info("simulator ssh auth ok", "user", ctx.User())
	} else {
		log.Warn("simulator ssh auth failed", "user", ctx.User())
	}
	return ok
}

func (s *Server) handleSFTP(sess gliderssh.Session) {
	log := logx.WithRemote(s.log, sess.RemoteAddr().String())
	server := sftp.NewRequestServer(sess, s.fs.handlers())
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Warn("simulator sftp failed", "err", err)
	}
	_ = server.Close()
	log.Debug("simulator sftp done")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn, pslog.Logger)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		log := logx.WithRemote(s.log, conn.RemoteAddr().String()).With("conn", uuid.NewString())
		go func() {
			defer s.untrack(conn)
			handle(ctx, conn, log)
		}()
	}
}

func (s *Server) handleCommand(ctx context.Context, conn net.Conn, log pslog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	presented := make([]byte, tokenLength)
	if _, err := io.ReadFull(conn, presented); err != nil {
		log.Warn("simulator token read failed", "err", err)
		return
	}
	expected, err := os.ReadFile(s.fs.resolve(s.cfg.TokenPath))
	if err != nil {
		log.Warn("simulator token missing", "err", err)
		return
	}
	if strings.TrimSpace(string(expected)) != string(presented) {
		log.Warn("simulator token rejected", "token", logx.TokenHint(schema.Token(presented)))
		return
	}
	log.Info("simulator command authorized", "token", logx.TokenHint(schema.Token(presented)))
	s.authOnce.Do(func() { close(s.authorized) })
	_ = conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.stream.Write(buf[:n])
			s.mu.Unlock()
			log.Debug("simulator command", "command", string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("simulator command read ended", "err", err)
			}
			return
		}
	}
}

func (s *Server) handleMonitor(ctx context.Context, conn net.Conn, log pslog.Logger) {
	select {
	case <-s.authorized:
	case <-ctx.Done():
		return
	}
	log.Info("simulator monitor streaming")
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()
	for seq := 0; s.cfg.MaxFrames == 0 || seq < s.cfg.MaxFrames; seq++ {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := frame.EncodeImages(conn, s.synthFrame(seq)); err != nil {
			log.Info("simulator monitor ended", "frames", seq, "err", err)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	log.Info("simulator monitor finished", "frames", s.cfg.MaxFrames)
}

// synthFrame renders four horizontal bands whose colors rotate with seq.
func (s *Server) synthFrame(seq int) [schema.SubImagesPerFrame]image.Image {
	palette := [...]color.RGBA{
		{R: 0xe0, G: 0x30, B: 0x30, A: 0xff},
		{R: 0x30, G: 0xc0, B: 0x40, A: 0xff},
		{R: 0x30, G: 0x60, B: 0xe0, A: 0xff},
		{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff},
	}
	var images [schema.SubImagesPerFrame]image.Image
	for i := range images {
		images[i] = frame.Solid(s.cfg.FrameWidth, s.cfg.FrameHeight, palette[(i+seq)%len(palette)])
	}
	return images
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}
