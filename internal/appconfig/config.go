package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/piclient/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string            `mapstructure:"state_dir" yaml:"state_dir"`
	Server        ServerConfig      `mapstructure:"server" yaml:"server"`
	Client        ClientConfig      `mapstructure:"client" yaml:"client"`
	Monitor       MonitorConfig     `mapstructure:"monitor" yaml:"monitor"`
	Credentials   CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Simulator     SimulatorConfig   `mapstructure:"simulator" yaml:"simulator"`
	Snapshots     SnapshotConfig    `mapstructure:"snapshots" yaml:"snapshots"`
	Logging       LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig describes the pi server endpoints.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	SSHUser        string        `mapstructure:"ssh_user" yaml:"ssh_user"`
	SSHPort        int           `mapstructure:"ssh_port" yaml:"ssh_port"`
	TokenPath      string        `mapstructure:"token_path" yaml:"token_path"`
	CommandPort    int           `mapstructure:"command_port" yaml:"command_port"`
	MonitorPort    int           `mapstructure:"monitor_port" yaml:"monitor_port"`
	KnownHostsFile string        `mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// ClientConfig controls the connect orchestration.
type ClientConfig struct {
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
	TokenDir string `mapstructure:"token_dir" yaml:"token_dir"`
}

// MonitorConfig controls the frame stream.
type MonitorConfig struct {
	MaxFrameBytes int `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// CredentialsConfig locates the encrypted credential store.
type CredentialsConfig struct {
	StorePath    string `mapstructure:"store_path" yaml:"store_path"`
	KeystorePath string `mapstructure:"keystore_path" yaml:"keystore_path"`
}

// SimulatorConfig configures the local pi server simulator.
type SimulatorConfig struct {
	ListenHost    string        `mapstructure:"listen_host" yaml:"listen_host"`
	HostKeyPath   string        `mapstructure:"host_key_path" yaml:"host_key_path"`
	Password      string        `mapstructure:"password" yaml:"password"`
	RootDir       string        `mapstructure:"root_dir" yaml:"root_dir"`
	FrameWidth    int           `mapstructure:"frame_width" yaml:"frame_width"`
	FrameHeight   int           `mapstructure:"frame_height" yaml:"frame_height"`
	FrameInterval time.Duration `mapstructure:"frame_interval" yaml:"frame_interval"`
}

// SnapshotConfig controls saving composite frames to disk.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Every   int    `mapstructure:"every" yaml:"every"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".piclient")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Server: ServerConfig{
			Host:           "",
			SSHUser:        schema.DefaultSSHUser,
			SSHPort:        schema.DefaultSSHPort,
			TokenPath:      schema.DefaultTokenPath,
			CommandPort:    schema.DefaultCommandPort,
			MonitorPort:    schema.DefaultMonitorPort,
			KnownHostsFile: "",
			DialTimeout:    schema.DefaultDialTimeout,
		},
		Client: ClientConfig{
			PoolSize: 4,
			TokenDir: filepath.Join(base, "state"),
		},
		Monitor: MonitorConfig{
			MaxFrameBytes: 64 << 20,
		},
		Credentials: CredentialsConfig{
			StorePath:    filepath.Join(base, "state", "credentials.bin"),
			KeystorePath: filepath.Join(base, "state", "keystore.pb"),
		},
		Simulator: SimulatorConfig{
			ListenHost:    "127.0.0.1",
			HostKeyPath:   filepath.Join(base, "simulator", "ssh_host_key"),
			Password:      "raspberry",
			RootDir:       filepath.Join(base, "simulator", "root"),
			FrameWidth:    160,
			FrameHeight:   30,
			FrameInterval: 200 * time.Millisecond,
		},
		Snapshots: SnapshotConfig{
			Enabled: false,
			Dir:     filepath.Join(base, "snapshots"),
			Every:   30,
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".piclient", "config.yaml"), nil
}

// ServerSchema converts the server section for the client packages.
func (c Config) ServerSchema() (schema.ServerConfig, error) {
	return schema.NormalizeServerConfig(schema.ServerConfig{
		SSHUser:        c.Server.SSHUser,
		SSHPort:        c.Server.SSHPort,
		TokenPath:      c.Server.TokenPath,
		CommandPort:    c.Server.CommandPort,
		MonitorPort:    c.Server.MonitorPort,
		KnownHostsFile: c.Server.KnownHostsFile,
		DialTimeout:    c.Server.DialTimeout,
	})
}
