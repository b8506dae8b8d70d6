// Package transfer uploads the session token to the pi server over SFTP.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/piclient/internal/logx"
	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// Config configures the SFTP uploader.
type Config struct {
	User        string
	Port        int
	DialTimeout time.Duration
	// KnownHostsFile enables host key verification. Empty accepts any host key.
	KnownHostsFile string
}

// SFTP uploads a local file to the server with password authentication.
type SFTP struct {
	cfg Config
	log pslog.Logger
}

// New constructs an uploader.
func New(cfg Config) *SFTP {
	return NewWithLogger(cfg, nil)
}

// NewWithLogger constructs an uploader with logging.
func NewWithLogger(cfg Config, logger pslog.Logger) *SFTP {
	if strings.TrimSpace(cfg.User) == "" {
		cfg.User = schema.DefaultSSHUser
	}
	if cfg.Port == 0 {
		cfg.Port = schema.DefaultSSHPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = schema.DefaultDialTimeout
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &SFTP{cfg: cfg, log: logger.With("component", "transfer")}
}

// Send copies req.LocalPath to req.RemotePath on req.Host, replacing any
// existing remote file. All failures wrap schema.ErrTransfer.
func (s *SFTP) Send(ctx context.Context, req schema.TransferRequest) error {
	remotePath := req.RemotePath
	if remotePath == "" {
		remotePath = schema.DefaultTokenPath
	}
	addr := req.Host.Addr(s.cfg.Port)
	log := logx.WithHost(s.log, req.Host).With("addr", addr, "remote_path", remotePath)

	hostKeys, err := s.hostKeyCallback(log)
	if err != nil {
		return fmt.Errorf("%w: %w", schema.ErrTransfer, err)
	}
	client, err := s.dial(ctx, addr, req.Password, hostKeys)
	if err != nil {
		log.Warn("transfer connect failed", "err", err)
		return fmt.Errorf("%w: %w", schema.ErrTransfer, err)
	}
	defer client.Close()
	stopWatch := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stopWatch()

	if err := upload(client, req.LocalPath, remotePath); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		log.Warn("transfer upload failed", "err", err)
		return fmt.Errorf("%w: %w", schema.ErrTransfer, err)
	}
	log.Info("transfer ok")
	return nil
}

func (s *SFTP) hostKeyCallback(log pslog.Logger) (ssh.HostKeyCallback, error) {
	if path := strings.TrimSpace(s.cfg.KnownHostsFile); path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		return cb, nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Warn("transfer host key not verified", "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func (s *SFTP) dial(ctx context.Context, addr, password string, hostKeys ssh.HostKeyCallback) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stopWatch := context.AfterFunc(dialCtx, func() { _ = conn.SetDeadline(time.Now()) })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeys,
		Timeout:         s.cfg.DialTimeout,
	})
	stopWatch()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func upload(client *ssh.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	dst, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write remote file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file: %w", err)
	}
	return nil
}
