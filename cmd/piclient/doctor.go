package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"pkt.systems/piclient/internal/appconfig"
	"pkt.systems/piclient/internal/credstore"
	"pkt.systems/pslog"
)

type probe struct {
	name string
	port int
	err  error
}

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var host string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config and reachability of the pi server ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			if host == "" {
				host = cfg.Server.Host
			}
			if host == "" {
				store, err := openCredStore(cmd, cfg)
				if err != nil {
					return err
				}
				creds, err := store.Load()
				if err != nil && !errors.Is(err, credstore.ErrNotFound) {
					return err
				}
				host = creds.Host
			}
			if strings.TrimSpace(host) == "" {
				return errors.New("no host given; use --host, server.host or creds set")
			}

			probes := probePorts(cmd.Context(), host, cfg.Server, timeout)
			out := cmd.OutOrStdout()
			failed := 0
			for _, p := range probes {
				if p.err != nil {
					failed++
					logger.Warn("doctor port unreachable", "port", p.name, "addr", net.JoinHostPort(host, strconv.Itoa(p.port)), "err", p.err)
					_, _ = fmt.Fprintf(out, "%-8s %5d  FAIL  %v\n", p.name, p.port, p.err)
					continue
				}
				logger.Info("doctor port ok", "port", p.name, "addr", net.JoinHostPort(host, strconv.Itoa(p.port)))
				_, _ = fmt.Fprintf(out, "%-8s %5d  ok\n", p.name, p.port)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d ports unreachable on %s", failed, len(probes), host)
			}
			logger.Info("doctor ok", "host", host)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&host, "host", "", "server host (defaults to config or saved credentials)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "per-port dial timeout")
	return cmd
}

// probePorts dials the three server ports concurrently and returns results
// ordered by port.
func probePorts(ctx context.Context, host string, server appconfig.ServerConfig, timeout time.Duration) []probe {
	targets := []probe{
		{name: "ssh", port: server.SSHPort},
		{name: "monitor", port: server.MonitorPort},
		{name: "command", port: server.CommandPort},
	}
	p := pool.NewWithResults[probe]().WithMaxGoroutines(len(targets))
	for _, target := range targets {
		p.Go(func() probe {
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var d net.Dialer
			conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(target.port)))
			if err == nil {
				_ = conn.Close()
			}
			target.err = err
			return target
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].port < results[j].port })
	return results
}
