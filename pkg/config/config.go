// Package config provides configuration management for tuicd.
// It supports loading configuration from YAML files and provides
// structured configuration types for the server and client binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the main configuration
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig represents the logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // text, json
	Output     string `yaml:"output"`      // stdout, stderr, file
	File       string `yaml:"file"`        // log file path when output is file
	MaxSize    int    `yaml:"max_size"`    // maximum size in MB before rotation
	MaxBackups int    `yaml:"max_backups"` // maximum number of old log files to retain
	MaxAge     int    `yaml:"max_age"`     // maximum number of days to retain old log files
	Compress   bool   `yaml:"compress"`    // whether to compress rotated log files
}

// ServerConfig represents the configuration for the tuicd server binary.
type ServerConfig struct {
	ListenAddr       string           `yaml:"listen_addr"`
	TLSCert          string           `yaml:"tls_cert"`
	TLSKey           string           `yaml:"tls_key"`
	ALPN             []string         `yaml:"alpn"`
	Credential       CredentialConfig `yaml:"credential"`
	AuthTimeout      time.Duration    `yaml:"auth_timeout"`
	MaxIdleTime      time.Duration    `yaml:"max_idle_time"`
	ZeroRTTHandshake bool             `yaml:"zero_rtt_handshake"`
	UDPRelayMode     string           `yaml:"udp_relay_mode"` // native, quic
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
}

// CredentialConfig configures how the server resolves a UUID to its shared secret.
type CredentialConfig struct {
	Type     string `yaml:"type"` // memory, file, sqlite
	FilePath string `yaml:"file_path"`
	// Users lets small deployments declare uuid/secret pairs inline instead
	// of provisioning a separate credential store file.
	Users []UserCredential `yaml:"users"`
}

// UserCredential is one statically-configured uuid/secret pair.
type UserCredential struct {
	UUID   string `yaml:"uuid"`
	Secret string `yaml:"secret"`
}

// RateLimitConfig bounds how fast a single source or UUID may retry the
// Auth command before the connection is dropped.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestLimit  int64         `yaml:"request_limit"`
	RequestWindow time.Duration `yaml:"request_window"`
}

// ClientConfig represents the configuration for the tuic-client binary.
type ClientConfig struct {
	ServerAddr        string             `yaml:"server_addr"`
	ServerIP          string             `yaml:"server_ip"` // parsed but not used: tuic-client dials server_addr as given
	SNI               string             `yaml:"sni"`
	ALPN              []string           `yaml:"alpn"`
	UUID              string             `yaml:"uuid"`
	Secret            string             `yaml:"secret"`
	SkipCertVerify    bool               `yaml:"skip_cert_verify"`
	HeartbeatInterval time.Duration      `yaml:"heartbeat_interval"`
	ReduceRTT         bool               `yaml:"reduce_rtt"` // 0-RTT handshake
	UDPRelayMode      string             `yaml:"udp_relay_mode"`
	Local             LocalIngressConfig `yaml:"local"`
}

// LocalIngressConfig configures the SOCKS5 ingress the client binary exposes
// to local applications.
type LocalIngressConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

var conf *Config

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename) // nolint:gosec // Config file path is provided by user via command line
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	conf = &config

	return &config, nil
}

// GetConfig returns the global configuration
func GetConfig() *Config {
	return conf
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Only validate server configuration if a listen address is set
	// (indicating server usage).
	if c.Server.ListenAddr != "" {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("server tls_cert and tls_key cannot be empty")
		}
	}

	// Only validate client configuration if a server address is set
	// (indicating client usage).
	if c.Client.ServerAddr != "" {
		if c.Client.UUID == "" {
			return fmt.Errorf("client uuid cannot be empty")
		}

		if c.Client.Secret == "" {
			return fmt.Errorf("client secret cannot be empty")
		}
	}

	return nil
}
