package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.ssh_user", cfg.Server.SSHUser)
	v.SetDefault("server.ssh_port", cfg.Server.SSHPort)
	v.SetDefault("server.token_path", cfg.Server.TokenPath)
	v.SetDefault("server.command_port", cfg.Server.CommandPort)
	v.SetDefault("server.monitor_port", cfg.Server.MonitorPort)
	v.SetDefault("server.known_hosts_file", cfg.Server.KnownHostsFile)
	v.SetDefault("server.dial_timeout", cfg.Server.DialTimeout)
	v.SetDefault("client.pool_size", cfg.Client.PoolSize)
	v.SetDefault("client.token_dir", cfg.Client.TokenDir)
	v.SetDefault("monitor.max_frame_bytes", cfg.Monitor.MaxFrameBytes)
	v.SetDefault("credentials.store_path", cfg.Credentials.StorePath)
	v.SetDefault("credentials.keystore_path", cfg.Credentials.KeystorePath)
	v.SetDefault("simulator.listen_host", cfg.Simulator.ListenHost)
	v.SetDefault("simulator.host_key_path", cfg.Simulator.HostKeyPath)
	v.SetDefault("simulator.password", cfg.Simulator.Password)
	v.SetDefault("simulator.root_dir", cfg.Simulator.RootDir)
	v.SetDefault("simulator.frame_width", cfg.Simulator.FrameWidth)
	v.SetDefault("simulator.frame_height", cfg.Simulator.FrameHeight)
	v.SetDefault("simulator.frame_interval", cfg.Simulator.FrameInterval)
	v.SetDefault("snapshots.enabled", cfg.Snapshots.Enabled)
	v.SetDefault("snapshots.dir", cfg.Snapshots.Dir)
	v.SetDefault("snapshots.every", cfg.Snapshots.Every)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	ports := []struct {
		key  string
		port int
	}{
		{"server.ssh_port", cfg.Server.SSHPort},
		{"server.command_port", cfg.Server.CommandPort},
		{"server.monitor_port", cfg.Server.MonitorPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.key, p.port)
		}
	}
	if cfg.Client.PoolSize < 1 {
		return fmt.Errorf("client.pool_size must be at least 1, got %d", cfg.Client.PoolSize)
	}
	if cfg.Monitor.MaxFrameBytes < 1 {
		return fmt.Errorf("monitor.max_frame_bytes must be positive, got %d", cfg.Monitor.MaxFrameBytes)
	}
	if cfg.Snapshots.Enabled && cfg.Snapshots.Every < 1 {
		return fmt.Errorf("snapshots.every must be at least 1 when snapshots are enabled")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Server.KnownHostsFile = expandEnv(cfg.Server.KnownHostsFile)
	cfg.Client.TokenDir = expandEnv(cfg.Client.TokenDir)
	cfg.Credentials.StorePath = expandEnv(cfg.Credentials.StorePath)
	cfg.Credentials.KeystorePath = expandEnv(cfg.Credentials.KeystorePath)
	cfg.Simulator.HostKeyPath = expandEnv(cfg.Simulator.HostKeyPath)
	cfg.Simulator.RootDir = expandEnv(cfg.Simulator.RootDir)
	cfg.Snapshots.Dir = expandEnv(cfg.Snapshots.Dir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
