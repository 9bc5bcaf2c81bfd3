package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SEATPLAN_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, 500*time.Millisecond, cfg.SaveDebounce)
	assert.Equal(t, 0.8, cfg.DefaultZoom)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatplan.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port = 9000
database_path = "/tmp/plan.db"
save_debounce = "750ms"
save_requeue = true
max_zoom = 3.0
min_gap = "45m"
`), 0o600))

	t.Setenv("SEATPLAN_CONFIG_FILE", path)
	t.Setenv("SEATPLAN_HTTP_PORT", "9100")
	t.Setenv("SEATPLAN_MIN_ZOOM", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort, "env overrides file")
	assert.Equal(t, "/tmp/plan.db", cfg.DatabasePath)
	assert.Equal(t, 750*time.Millisecond, cfg.SaveDebounce)
	assert.True(t, cfg.SaveRequeue)
	assert.Equal(t, 0.5, cfg.MinZoom)
	assert.Equal(t, 3.0, cfg.MaxZoom)
	assert.Equal(t, 45*time.Minute, cfg.MinGap)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"SEATPLAN_HTTP_PORT":     "eighty",
		"SEATPLAN_SAVE_DEBOUNCE": "soon",
		"SEATPLAN_MDNS_ENABLED":  "perhaps",
		"SEATPLAN_MAX_ZOOM":      "0.1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("SEATPLAN_CONFIG_FILE", "")
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadFileDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatplan.toml")
	require.NoError(t, os.WriteFile(path, []byte(`save_timeout = "forever"`), 0o600))
	t.Setenv("SEATPLAN_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save_timeout")
}

func TestValidate_DefaultZoomOutsideBounds(t *testing.T) {
	cfg := Defaults()
	cfg.DefaultZoom = 5
	assert.Error(t, cfg.Validate())
}
