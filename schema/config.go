package schema

import (
	"errors"
	"time"
)

// ServerConfig describes how to reach the pi server endpoints.
type ServerConfig struct {
	SSHUser        string
	SSHPort        int
	TokenPath      string
	CommandPort    int
	MonitorPort    int
	KnownHostsFile string
	DialTimeout    time.Duration
}

// DefaultDialTimeout bounds TCP and SSH dials.
const DefaultDialTimeout = 10 * time.Second

// NormalizeServerConfig applies defaults and validates the config.
func NormalizeServerConfig(cfg ServerConfig) (ServerConfig, error) {
	if cfg.SSHUser == "" {
		cfg.SSHUser = DefaultSSHUser
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = DefaultSSHPort
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = DefaultTokenPath
	}
	if cfg.CommandPort == 0 {
		cfg.CommandPort = DefaultCommandPort
	}
	if cfg.MonitorPort == 0 {
		cfg.MonitorPort = DefaultMonitorPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	for _, port := range []int{cfg.SSHPort, cfg.CommandPort, cfg.MonitorPort} {
		if port < 1 || port > 65535 {
			return ServerConfig{}, errors.New("server ports must be between 1 and 65535")
		}
	}
	return cfg, nil
}
