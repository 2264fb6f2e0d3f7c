// Package config loads the interceptor's runtime configuration from
// command-line overrides with environment-variable fallback.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
)

// globalConfig stores the configuration loaded with command-line overrides
// so other packages can access the same configuration the CLI loaded.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration.
type Config struct {
	Listen ListenConfig `json:"listen"`
	Target TargetConfig `json:"target"`
	TLS    TLSConfig    `json:"tls"`
	Log    LogConfig    `json:"log"`
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	ListenPort int
	BindIP     string
	Downgrade  *int // nil = use env/default; explicit pointer so 0 (standard RDP security) is a valid override
	TargetHost string
	TargetPort int
	CertFile   string
	KeyFile    string
	Debug      bool
	LogLevel   string
}

// ListenConfig holds the fake RDP service's listen configuration.
type ListenConfig struct {
	Port int    `json:"port" env:"RDPMITM_LISTEN_PORT" default:"3389"`
	Bind string `json:"bind" env:"RDPMITM_BIND_IP" default:""`
}

// TargetConfig holds the real RDP server this tool forwards to.
type TargetConfig struct {
	Host      string `json:"host" env:"RDPMITM_TARGET_HOST" default:""`
	Port      int    `json:"port" env:"RDPMITM_TARGET_PORT" default:"3389"`
	Downgrade int    `json:"downgrade" env:"RDPMITM_DOWNGRADE" default:"3"`
}

// TLSConfig holds the operator-supplied certificate used once the
// negotiated protocol is upgraded past standard RDP security.
type TLSConfig struct {
	CertFile string `json:"certFile" env:"RDPMITM_CERTFILE" default:""`
	KeyFile  string `json:"keyFile" env:"RDPMITM_KEYFILE" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `json:"level" env:"RDPMITM_LOG_LEVEL" default:"info"`
	Debug bool   `json:"debug" env:"RDPMITM_DEBUG" default:"false"`
}

// validDowngradeTargets are the four protocol values MS-RDPBCGR's
// negotiation request/response PDUs carry.
var validDowngradeTargets = map[int]bool{0: true, 1: true, 3: true, 11: true}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := &Config{}

	cfg.Listen.Port = getOverrideIntOrEnv(opts.ListenPort, "RDPMITM_LISTEN_PORT", 3389)
	cfg.Listen.Bind = getOverrideOrEnv(opts.BindIP, "RDPMITM_BIND_IP", "")

	cfg.Target.Host = getOverrideOrEnv(opts.TargetHost, "RDPMITM_TARGET_HOST", "")
	cfg.Target.Port = getOverrideIntOrEnv(opts.TargetPort, "RDPMITM_TARGET_PORT", 3389)
	cfg.Target.Downgrade = getIntWithDefault("RDPMITM_DOWNGRADE", 3)
	if opts.Downgrade != nil {
		cfg.Target.Downgrade = *opts.Downgrade
	}

	cfg.TLS.CertFile = getOverrideOrEnv(opts.CertFile, "RDPMITM_CERTFILE", "")
	cfg.TLS.KeyFile = getOverrideOrEnv(opts.KeyFile, "RDPMITM_KEYFILE", "")

	cfg.Log.Level = getOverrideOrEnv(opts.LogLevel, "RDPMITM_LOG_LEVEL", "info")
	cfg.Log.Debug = getBoolWithDefault("RDPMITM_DEBUG", false) || opts.Debug

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// GetGlobalConfig returns the globally stored configuration loaded by the
// CLI entrypoint, for packages that need ambient access to it.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Listen.Port)
	}

	if c.Listen.Bind != "" {
		if ip := net.ParseIP(c.Listen.Bind); ip == nil {
			return fmt.Errorf("invalid bind-ip: %s", c.Listen.Bind)
		}
	}

	if c.Target.Host == "" {
		return fmt.Errorf("target host is required")
	}

	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("invalid target port: %d", c.Target.Port)
	}

	if !validDowngradeTargets[c.Target.Downgrade] {
		return fmt.Errorf("invalid downgrade target: %d (must be one of 0, 1, 3, 11)", c.Target.Downgrade)
	}

	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("certfile and keyfile must both be specified")
	}

	if _, err := os.Stat(c.TLS.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("certificate file does not exist: %s", c.TLS.CertFile)
	}

	if _, err := os.Stat(c.TLS.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("key file does not exist: %s", c.TLS.KeyFile)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getOverrideOrEnv returns the command-line override value, env value, or
// default, in that order of precedence.
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}

func getOverrideIntOrEnv(override int, envKey string, defaultValue int) int {
	if override != 0 {
		return override
	}
	return getIntWithDefault(envKey, defaultValue)
}
