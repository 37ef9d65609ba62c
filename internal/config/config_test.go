package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadValid(t *testing.T, mutate func(v *viper.Viper)) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("api.base_url", "https://api.vault.example.com")
	if mutate != nil {
		mutate(v)
	}
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg, cfg.Validate()
}

func TestDefaults(t *testing.T) {
	cfg, err := loadValid(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "1.0.0", cfg.Worker.Version)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Lock.DefaultTTL)
	assert.Equal(t, 0.5, cfg.Lock.ExtendRatio)
	assert.Equal(t, 8*time.Second, cfg.Lock.ResumeRetryTimeout)
	assert.Equal(t, 5, cfg.Lock.MaxResumeRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracker.SubmitWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracker.IdleQuiet)
	assert.Equal(t, 2*time.Minute, cfg.Tracker.Retention)
	assert.Equal(t, time.Minute, cfg.Tracker.GCInterval)
	assert.Equal(t, "127.0.0.1:7766", cfg.Host.ListenAddr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(v *viper.Viper)
		errMsg string
	}{
		{
			name:   "missing api base url",
			mutate: func(v *viper.Viper) { v.Set("api.base_url", "") },
			errMsg: "api.base_url",
		},
		{
			name:   "missing worker version",
			mutate: func(v *viper.Viper) { v.Set("worker.version", "") },
			errMsg: "worker.version",
		},
		{
			name:   "extend ratio out of range",
			mutate: func(v *viper.Viper) { v.Set("lock.extend_ratio", 1.5) },
			errMsg: "lock.extend_ratio",
		},
		{
			name:   "zero submit window",
			mutate: func(v *viper.Viper) { v.Set("tracker.submit_window", 0) },
			errMsg: "tracker.submit_window",
		},
		{
			name:   "retention below the submit window",
			mutate: func(v *viper.Viper) { v.Set("tracker.retention", "100ms") },
			errMsg: "tracker.retention",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadValid(t, tc.mutate)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("valid config passes", func(t *testing.T) {
		_, err := loadValid(t, nil)
		assert.NoError(t, err)
	})
}
