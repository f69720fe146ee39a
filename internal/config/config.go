// Package config loads the daemon's runtime configuration via viper,
// supporting a config file, TAKO_-prefixed environment variables, and flag
// overrides, in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RuntimeConfig holds everything takod needs to start: listener ports,
// the data directory, probe cadence, and upgrade-candidate settings.
type RuntimeConfig struct {
	DataRoot   string `mapstructure:"data_root"`
	SocketPath string `mapstructure:"socket_path"`

	HTTPPort  int `mapstructure:"http_port"`
	HTTPSPort int `mapstructure:"https_port"`

	ProbePath          string        `mapstructure:"probe_path"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	DeadThreshold      int           `mapstructure:"dead_threshold"`

	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`

	DefaultIdleTimeout time.Duration `mapstructure:"default_idle_timeout"`

	InstancePortBase   int `mapstructure:"instance_port_base"`
	InstancePortOffset int `mapstructure:"instance_port_offset"` // added when running as upgrade candidate

	UpgradeCandidate bool   `mapstructure:"upgrade_candidate"`
	UpgradeOwner     string `mapstructure:"upgrade_owner"`

	CertRenewInterval time.Duration `mapstructure:"cert_renew_interval"`
	CertRenewWithin   time.Duration `mapstructure:"cert_renew_within"`
	ACMEDirectoryURL  string        `mapstructure:"acme_directory_url"` // empty disables ACME issuance entirely
	ACMEContactEmail  string        `mapstructure:"acme_contact_email"`

	Environment string `mapstructure:"environment"` // "development" | "production", drives slog handler choice

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Default returns the configuration baseline before file/env/flag overlays.
func Default() RuntimeConfig {
	return RuntimeConfig{
		DataRoot:           "/var/lib/tako",
		SocketPath:         "/var/run/tako/control.sock",
		HTTPPort:           80,
		HTTPSPort:          443,
		ProbePath:          "/status",
		ProbeInterval:      1 * time.Second,
		UnhealthyThreshold: 2,
		DeadThreshold:      5,
		StartupTimeout:     30 * time.Second,
		DrainTimeout:       30 * time.Second,
		DefaultIdleTimeout: 300 * time.Second,
		InstancePortBase:   20000,
		InstancePortOffset: 10000,
		CertRenewInterval:  12 * time.Hour,
		CertRenewWithin:    30 * 24 * time.Hour,
		Environment:        "production",
	}
}

// Load starts from Default(), then applies the optional configPath, then
// TAKO_-prefixed environment variables, each overriding the one before.
// An environment variable takes effect only for a key that the config file
// also sets; with no config file the result is Default().
func Load(configPath string) (RuntimeConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TAKO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration is internally consistent before the
// daemon starts binding sockets.
func (c RuntimeConfig) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must be set")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must be set")
	}
	if c.HTTPPort == c.HTTPSPort {
		return fmt.Errorf("http_port and https_port must differ")
	}
	if c.UnhealthyThreshold <= 0 || c.DeadThreshold <= c.UnhealthyThreshold {
		return fmt.Errorf("dead_threshold (%d) must exceed unhealthy_threshold (%d) and both must be positive", c.DeadThreshold, c.UnhealthyThreshold)
	}
	if c.UpgradeCandidate && c.UpgradeOwner == "" {
		return fmt.Errorf("upgrade_owner is required when upgrade_candidate is set")
	}
	return nil
}
