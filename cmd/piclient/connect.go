package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/piclient"
	"pkt.systems/piclient/internal/appconfig"
	"pkt.systems/piclient/internal/credstore"
	"pkt.systems/piclient/internal/eventbus"
	"pkt.systems/pslog"
)

const modeCommand = "mode"

type connectOptions struct {
	cfgPath           string
	host              string
	passwordFromStdin bool
	mode              bool
	noInput           bool
	snapshots         bool
	saveCreds         bool
	timeout           time.Duration
}

func newConnectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a pi server and forward stdin lines as commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.host, "host", "", "server host (defaults to config or saved credentials)")
	cmd.Flags().BoolVar(&opts.passwordFromStdin, "password-from-stdin", false, "read password from the first line of stdin")
	cmd.Flags().BoolVar(&opts.mode, "mode", false, "send the mode command after connecting")
	cmd.Flags().BoolVar(&opts.noInput, "no-input", false, "do not forward stdin; run until interrupted")
	cmd.Flags().BoolVar(&opts.snapshots, "snapshots", false, "save frames as PNG snapshots")
	cmd.Flags().BoolVar(&opts.saveCreds, "save", false, "save host and password after a successful connect")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "connect timeout")
	return cmd
}

func runConnect(cmd *cobra.Command, opts connectOptions) error {
	ctx := cmd.Context()
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(opts.cfgPath)
	if err != nil {
		return err
	}
	store, err := openCredStore(cmd, cfg)
	if err != nil {
		return err
	}
	in := bufio.NewReader(cmd.InOrStdin())
	creds, err := resolveCredentials(cmd, cfg, store, in, opts)
	if err != nil {
		return err
	}
	server, err := cfg.ServerSchema()
	if err != nil {
		return err
	}
	clientCfg := piclient.Config{
		Server:              server,
		TokenDir:            cfg.Client.TokenDir,
		PoolSize:            cfg.Client.PoolSize,
		MaxFrameBytes:       cfg.Monitor.MaxFrameBytes,
		DisableAuditLogging: cfg.Logging.DisableAuditTrails,
	}
	if opts.snapshots || cfg.Snapshots.Enabled {
		clientCfg.Snapshots = piclient.SnapshotConfig{Dir: cfg.Snapshots.Dir, Every: cfg.Snapshots.Every}
	}
	client, err := piclient.New(clientCfg, piclient.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	events, cancelEvents := client.Subscribe()
	defer cancelEvents()

	connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	res, err := client.ConnectAndWait(connectCtx, creds.Host, creds.Password)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", creds.Host, err)
	}
	if res.IsError() {
		return fmt.Errorf("%s: %w", res.Message(), res.Err())
	}
	logger.Info("connected", "host", creds.Host)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "connected to %s\n", creds.Host)
	if opts.saveCreds {
		if err := store.Save(creds); err != nil {
			logger.Warn("credentials save failed", "err", err)
		}
	}
	if opts.mode {
		client.SendCommand(modeCommand)
	}

	var inputDone <-chan struct{}
	if !opts.noInput {
		inputDone = forwardLines(in, client.SendCommand)
	}
	err = watchEvents(ctx, logger, events, inputDone)
	saved, dropped := client.SnapshotStats()
	if saved > 0 || dropped > 0 {
		logger.Info("snapshots", "saved", saved, "dropped", dropped)
	}
	client.Disconnect()
	return err
}

func resolveCredentials(cmd *cobra.Command, cfg appconfig.Config, store *credstore.Store, in *bufio.Reader, opts connectOptions) (credstore.Credentials, error) {
	saved, err := store.Load()
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		pslog.Ctx(cmd.Context()).Warn("saved credentials unavailable", "err", err)
	}
	host := firstNonEmpty(opts.host, cfg.Server.Host, saved.Host)
	if host == "" {
		return credstore.Credentials{}, errors.New("no host given; use --host, server.host or creds set")
	}
	creds := credstore.Credentials{Host: host}
	if !opts.passwordFromStdin && saved.Valid() && saved.Host == host {
		creds.Password = saved.Password
		return creds, nil
	}
	creds.Password, err = readPassword(cmd, in, opts.passwordFromStdin)
	if err != nil {
		return credstore.Credentials{}, err
	}
	return creds, nil
}

// forwardLines sends each non-empty line of r and closes the returned channel
// at end of input.
func forwardLines(r io.Reader, send func(string)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				send(line)
			}
		}
	}()
	return done
}

// watchEvents logs session events until ctx ends or input is exhausted. A
// stopped monitor leaves the command session usable.
func watchEvents(ctx context.Context, logger pslog.Logger, events <-chan eventbus.Event, inputDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inputDone:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case eventbus.EventFrame:
				b := ev.Frame.Bounds()
				logger.Debug("frame", "seq", ev.Seq, "width", b.Dx(), "height", b.Dy())
			case eventbus.EventMonitorStop:
				if ev.Err != nil {
					logger.Warn("monitor stopped", "err", ev.Err)
				} else {
					logger.Info("monitor stopped")
				}
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
