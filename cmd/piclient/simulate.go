package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"pkt.systems/piclient/internal/appconfig"
	"pkt.systems/piclient/internal/fakepi"
	"pkt.systems/pslog"
)

func newSimulateCmd() *cobra.Command {
	var cfgPath string
	var password string
	var maxFrames int
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a local pi server simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			simCfg := simulatorConfig(cfg, ephemeral)
			if password != "" {
				simCfg.Password = password
			}
			simCfg.MaxFrames = maxFrames
			srv, err := fakepi.New(simCfg, logger)
			if err != nil {
				return err
			}
			if err := srv.Listen(); err != nil {
				return err
			}
			sshPort, cmdPort, monPort := srv.Ports()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "host key: %s\n", ssh.FingerprintSHA256(srv.HostKey()))
			_, _ = fmt.Fprintf(out, "ports: ssh=%d command=%d monitor=%d\n", sshPort, cmdPort, monPort)
			return srv.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&password, "password", "", "override the simulator password")
	cmd.Flags().IntVar(&maxFrames, "max-frames", 0, "close each monitor stream after this many frames")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral-ports", false, "bind random ports instead of the configured ones")
	return cmd
}

func simulatorConfig(cfg appconfig.Config, ephemeral bool) fakepi.Config {
	sim := fakepi.Config{
		ListenHost:    cfg.Simulator.ListenHost,
		SSHPort:       cfg.Server.SSHPort,
		CommandPort:   cfg.Server.CommandPort,
		MonitorPort:   cfg.Server.MonitorPort,
		User:          cfg.Server.SSHUser,
		Password:      cfg.Simulator.Password,
		RootDir:       cfg.Simulator.RootDir,
		TokenPath:     cfg.Server.TokenPath,
		HostKeyPath:   cfg.Simulator.HostKeyPath,
		FrameWidth:    cfg.Simulator.FrameWidth,
		FrameHeight:   cfg.Simulator.FrameHeight,
		FrameInterval: cfg.Simulator.FrameInterval,
	}
	if ephemeral {
		sim.SSHPort, sim.CommandPort, sim.MonitorPort = 0, 0, 0
	}
	return sim
}
