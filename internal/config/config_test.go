package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.secret", "c2VjcmV0")

	cfg, err := Load(v, false)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "localhost:8081", cfg.AdminAddr)
	assert.Equal(t, "bbolt", cfg.StorageDriver)
	assert.Equal(t, "migers.db", cfg.DBFile)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, 60*time.Second, cfg.GracePeriod)
	assert.Equal(t, 15*time.Second, cfg.ReapInterval)
	assert.False(t, cfg.PushEnabled())
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MIGERS_AUTH_SECRET", "c2VjcmV0")
	t.Setenv("MIGERS_STORAGE_DRIVER", "SQLite")
	t.Setenv("MIGERS_ROOMS_GRACE_PERIOD", "2m")
	t.Setenv("MIGERS_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(NewViper(), false)
	require.NoError(t, err)

	assert.Equal(t, "c2VjcmV0", cfg.AuthSecret)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, 2*time.Minute, cfg.GracePeriod)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		cliMode bool
		wantErr string
	}{
		{"Missing secret", nil, false, "auth.secret is required"},
		{"Missing secret in CLI", nil, true, "auth.secret is required"},
		{"Insecure without secret", map[string]any{"auth.insecure": true}, false, ""},
		{"Unknown driver", map[string]any{"auth.secret": "x", "storage.driver": "mongo"}, false, "storage.driver"},
		{"Unknown driver in CLI", map[string]any{"auth.secret": "x", "storage.driver": "mongo"}, true, ""},
		{"Zero grace", map[string]any{"auth.secret": "x", "rooms.grace_period": "0s"}, false, "rooms.grace_period"},
		{"Zero buffer", map[string]any{"auth.secret": "x", "ws.send_buffer": 0}, false, "ws.send_buffer"},
		{"Half VAPID", map[string]any{"auth.secret": "x", "push.vapid_public_key": "pub"}, false, "push.vapid"},
		{"Full VAPID", map[string]any{"auth.secret": "x", "push.vapid_public_key": "pub", "push.vapid_private_key": "priv"}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v, tt.cliMode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
