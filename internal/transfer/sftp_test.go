package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/piclient/schema"
)

const testPassword = "raspberry"

type testServer struct {
	port   int
	signer ssh.Signer
}

func startServer(t *testing.T) testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	server := &gliderssh.Server{
		Handler: func(s gliderssh.Session) { _ = s.Exit(1) },
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return ctx.User() == schema.DefaultSSHUser && password == testPassword
		},
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": func(s gliderssh.Session) {
				srv, err := sftp.NewServer(s)
				if err != nil {
					return
				}
				_ = srv.Serve()
				_ = srv.Close()
			},
		},
	}
	server.AddHostKey(signer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })
	return testServer{port: ln.Addr().(*net.TCPAddr).Port, signer: signer}
}

func writeLocal(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, schema.TokenFileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write local: %v", err)
	}
	return path
}

func TestSendReplacesRemoteFile(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()
	local := writeLocal(t, dir, "0f8fad5b-d9cb-469f-a165-70867728950e")
	remote := filepath.Join(dir, "remote-token")
	if err := os.WriteFile(remote, []byte("a much longer stale token that must be truncated"), 0o600); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	up := New(Config{Port: srv.port})
	err := up.Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: testPassword, LocalPath: local, RemotePath: remote,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("read remote: %v", err)
	}
	if string(got) != "0f8fad5b-d9cb-469f-a165-70867728950e" {
		t.Fatalf("unexpected remote content %q", got)
	}
}

func TestSendWrongPassword(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()
	local := writeLocal(t, dir, "token")
	remote := filepath.Join(dir, "remote-token")

	err := New(Config{Port: srv.port}).Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: "wrong", LocalPath: local, RemotePath: remote,
	})
	if !errors.Is(err, schema.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if _, statErr := os.Stat(remote); !os.IsNotExist(statErr) {
		t.Fatalf("remote file must not exist after failed auth")
	}
}

func TestSendMissingLocalFile(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()

	err := New(Config{Port: srv.port}).Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: testPassword,
		LocalPath: filepath.Join(dir, "absent"), RemotePath: filepath.Join(dir, "remote-token"),
	})
	if !errors.Is(err, schema.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
}

func TestSendNoServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	dir := t.TempDir()

	err = New(Config{Port: port}).Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: testPassword, LocalPath: writeLocal(t, dir, "token"),
	})
	if !errors.Is(err, schema.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
}

func TestSendKnownHosts(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()
	local := writeLocal(t, dir, "token")
	addr := schema.Host("127.0.0.1").Addr(srv.port)

	trusted := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, srv.signer.PublicKey())
	if err := os.WriteFile(trusted, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	err := New(Config{Port: srv.port, KnownHostsFile: trusted}).Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: testPassword, LocalPath: local, RemotePath: filepath.Join(dir, "ok"),
	})
	if err != nil {
		t.Fatalf("send with trusted key: %v", err)
	}

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := ssh.NewSignerFromKey(otherPriv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	untrusted := filepath.Join(dir, "known_hosts_other")
	line = knownhosts.Line([]string{addr}, other.PublicKey())
	if err := os.WriteFile(untrusted, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	err = New(Config{Port: srv.port, KnownHostsFile: untrusted}).Send(context.Background(), schema.TransferRequest{
		Host: "127.0.0.1", Password: testPassword, LocalPath: local, RemotePath: filepath.Join(dir, "mismatch"),
	})
	if !errors.Is(err, schema.ErrTransfer) {
		t.Fatalf("expected ErrTransfer for mismatched host key, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "mismatch")); !os.IsNotExist(statErr) {
		t.Fatalf("remote file must not be written with mismatched host key")
	}
}
