// Package daemon wires configuration, the remote machine, state persistence
// and the SQL Server entity together, and runs the long-lived serve loop.
package daemon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudsoft/mssqlpro/internal/sqlserver"
	"github.com/cloudsoft/mssqlpro/internal/state"
)

// Config holds mssqlpro configuration.
type Config struct {
	// EntityID keys persisted state; defaults to <instance>@<hostname>.
	EntityID string `yaml:"entity_id"`

	// Timing
	PollInterval int `yaml:"poll_interval"` // seconds

	// gRPC health endpoint
	GRPCAddr    string `yaml:"grpc_addr"`
	GRPCTLSCert string `yaml:"grpc_tls_cert"`
	GRPCTLSKey  string `yaml:"grpc_tls_key"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SQLServer SQLServerConfig `yaml:"sqlserver"`
	Machine   MachineConfig   `yaml:"machine"`
	State     StateConfig     `yaml:"state"`
}

// SQLServerConfig is the instance configuration.
type SQLServerConfig struct {
	InstallMediaPath      string `yaml:"install_media_path"`
	TCPPort               int    `yaml:"tcp_port"`
	InstanceName          string `yaml:"instance_name"`
	SAPassword            string `yaml:"sa_password"`
	Features              string `yaml:"features"`
	WMINamespace          string `yaml:"wmi_namespace"`
	ConfigurationTemplate string `yaml:"configuration_template"`
	RemoteConfigPath      string `yaml:"remote_config_path"`
}

// MachineConfig describes how to reach the Windows host.
type MachineConfig struct {
	Hostname       string `yaml:"hostname"`
	Transport      string `yaml:"transport"` // winrm|ssh
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	UseSSL         bool   `yaml:"use_ssl"`
	VerifySSL      bool   `yaml:"verify_ssl"`
	UseBasicAuth   bool   `yaml:"use_basic_auth"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	RemoteTempDir  string `yaml:"remote_temp_dir"`
	CommandTimeout int    `yaml:"command_timeout"` // seconds
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Backend string `yaml:"backend"` // file|sqlite|postgres
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// Transports accepted in machine.transport.
const (
	TransportWinRM = "winrm"
	TransportSSH   = "ssh"
)

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	inst := sqlserver.DefaultInstance()
	return Config{
		PollInterval: 5,
		GRPCAddr:     "127.0.0.1:50061",
		LogLevel:     "INFO",
		LogFormat:    "json",
		SQLServer: SQLServerConfig{
			InstallMediaPath: inst.InstallMediaPath,
			TCPPort:          inst.TCPPort,
			InstanceName:     inst.InstanceName,
			Features:         inst.Features,
			WMINamespace:     inst.WMINamespace,
			RemoteConfigPath: inst.RemoteConfigPath,
		},
		Machine: MachineConfig{
			Transport:      TransportWinRM,
			Username:       "Administrator",
			KnownHostsPath: "/var/lib/mssqlpro/ssh_known_hosts",
			RemoteTempDir:  `C:\Users\Administrator\AppData\Local\Temp`,
			CommandTimeout: 3600,
		},
		State: StateConfig{
			Backend: state.BackendFile,
			Dir:     "/var/lib/mssqlpro",
		},
	}
}

// LoadConfig loads configuration from a YAML file with env overrides. An
// empty path starts from the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("MSSQLPRO_SA_PASSWORD"); v != "" {
		cfg.SQLServer.SAPassword = v
	}
	if v := os.Getenv("MSSQLPRO_MACHINE_PASSWORD"); v != "" {
		cfg.Machine.Password = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.Machine.Transport = strings.ToLower(cfg.Machine.Transport)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.PollInterval < 1 {
		cfg.PollInterval = 1
	}
	if cfg.PollInterval > 3600 {
		cfg.PollInterval = 3600
	}
	if cfg.Machine.CommandTimeout <= 0 {
		cfg.Machine.CommandTimeout = 3600
	}

	return &cfg, nil
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	if c.Machine.Hostname == "" {
		return fmt.Errorf("machine.hostname is required")
	}
	switch c.Machine.Transport {
	case TransportWinRM, TransportSSH:
	default:
		return fmt.Errorf("machine.transport must be winrm or ssh, got %q", c.Machine.Transport)
	}
	switch c.State.Backend {
	case state.BackendFile, state.BackendSQLite:
		if c.State.Dir == "" {
			return fmt.Errorf("state.dir is required for the %s backend", c.State.Backend)
		}
	case state.BackendPostgres:
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend must be file, sqlite or postgres, got %q", c.State.Backend)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if p := c.SQLServer.TCPPort; p < 0 || p > 65535 {
		return fmt.Errorf("sqlserver.tcp_port %d out of range", p)
	}
	return nil
}

// Instance converts the sqlserver section.
func (c *Config) Instance() sqlserver.Instance {
	s := c.SQLServer
	return sqlserver.Instance{
		InstallMediaPath:      s.InstallMediaPath,
		TCPPort:               s.TCPPort,
		InstanceName:          s.InstanceName,
		SAPassword:            s.SAPassword,
		Features:              s.Features,
		WMINamespace:          s.WMINamespace,
		ConfigurationTemplate: s.ConfigurationTemplate,
		RemoteConfigPath:      s.RemoteConfigPath,
	}
}

// StateOptions converts the state section.
func (c *Config) StateOptions() state.Options {
	return state.Options{Backend: c.State.Backend, Dir: c.State.Dir, DSN: c.State.DSN}
}

// Poll returns the service.isUp poll interval.
func (c *Config) Poll() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// CommandTimeout returns the per-command remote timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Machine.CommandTimeout) * time.Second
}

// HealthService is the gRPC health service name for the instance.
func (c *Config) HealthService() string {
	name := c.SQLServer.InstanceName
	if name == "" {
		name = sqlserver.DefaultInstanceName
	}
	return "mssql." + name
}
