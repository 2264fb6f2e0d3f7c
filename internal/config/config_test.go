package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "rdpmitm-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoadWithOverrides(t *testing.T) {
	cert := writeTempFile(t)
	key := writeTempFile(t)

	cfg, err := LoadWithOverrides(LoadOptions{
		TargetHost: "10.0.0.5",
		TargetPort: 3390,
		CertFile:   cert,
		KeyFile:    key,
	})
	require.NoError(t, err)

	assert.Equal(t, 3389, cfg.Listen.Port)
	assert.Equal(t, "10.0.0.5", cfg.Target.Host)
	assert.Equal(t, 3390, cfg.Target.Port)
	assert.Equal(t, 3, cfg.Target.Downgrade) // default
	assert.Equal(t, cert, cfg.TLS.CertFile)
	assert.Equal(t, key, cfg.TLS.KeyFile)
}

func TestLoadWithOverrides_DowngradeZeroIsValidOverride(t *testing.T) {
	cert := writeTempFile(t)
	key := writeTempFile(t)

	zero := 0
	cfg, err := LoadWithOverrides(LoadOptions{
		TargetHost: "10.0.0.5",
		CertFile:   cert,
		KeyFile:    key,
		Downgrade:  &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Target.Downgrade)
}

func TestConfigValidate(t *testing.T) {
	cert := writeTempFile(t)
	key := writeTempFile(t)

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "valid configuration",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "info"},
			},
		},
		{
			name: "missing target host",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389},
				Target: TargetConfig{Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "info"},
			},
			wantErr: "target host is required",
		},
		{
			name: "invalid listen port",
			cfg: &Config{
				Listen: ListenConfig{Port: 99999},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "info"},
			},
			wantErr: "invalid listen port",
		},
		{
			name: "invalid downgrade target",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 2},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "info"},
			},
			wantErr: "invalid downgrade target",
		},
		{
			name: "missing cert/key files",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{},
				Log:    LogConfig{Level: "info"},
			},
			wantErr: "certfile and keyfile must both be specified",
		},
		{
			name: "invalid log level",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "verbose"},
			},
			wantErr: "invalid log level",
		},
		{
			name: "invalid bind ip",
			cfg: &Config{
				Listen: ListenConfig{Port: 3389, Bind: "not-an-ip"},
				Target: TargetConfig{Host: "10.0.0.1", Port: 3389, Downgrade: 3},
				TLS:    TLSConfig{CertFile: cert, KeyFile: key},
				Log:    LogConfig{Level: "info"},
			},
			wantErr: "invalid bind-ip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvWithDefault(t *testing.T) {
	key := "TEST_CONFIG_VAR"
	os.Unsetenv(key)
	assert.Equal(t, "default", getEnvWithDefault(key, "default"))

	os.Setenv(key, "test_value")
	t.Cleanup(func() { os.Unsetenv(key) })
	assert.Equal(t, "test_value", getEnvWithDefault(key, "default"))
}

func TestGetIntWithDefault(t *testing.T) {
	key := "TEST_INT_VAR"
	os.Unsetenv(key)
	assert.Equal(t, 42, getIntWithDefault(key, 42))

	os.Setenv(key, "100")
	t.Cleanup(func() { os.Unsetenv(key) })
	assert.Equal(t, 100, getIntWithDefault(key, 42))

	os.Setenv(key, "invalid")
	assert.Equal(t, 42, getIntWithDefault(key, 42))
}

func TestGetBoolWithDefault(t *testing.T) {
	key := "TEST_BOOL_VAR"
	os.Unsetenv(key)
	assert.Equal(t, false, getBoolWithDefault(key, false))

	os.Setenv(key, "true")
	t.Cleanup(func() { os.Unsetenv(key) })
	assert.Equal(t, true, getBoolWithDefault(key, false))
}

func TestGetOverrideOrEnv(t *testing.T) {
	key := "TEST_OVERRIDE_VAR"
	os.Setenv(key, "env_value")
	t.Cleanup(func() { os.Unsetenv(key) })

	assert.Equal(t, "override", getOverrideOrEnv("override", key, "default"))
	assert.Equal(t, "env_value", getOverrideOrEnv("", key, "default"))

	os.Unsetenv(key)
	assert.Equal(t, "default", getOverrideOrEnv("", key, "default"))
}

func TestGetGlobalConfig(t *testing.T) {
	cert := writeTempFile(t)
	key := writeTempFile(t)

	_, err := LoadWithOverrides(LoadOptions{TargetHost: "10.0.0.1", CertFile: cert, KeyFile: key})
	require.NoError(t, err)

	cfg := GetGlobalConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "10.0.0.1", cfg.Target.Host)
}
