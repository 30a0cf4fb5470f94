package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Web.Listen)
	assert.Equal(t, 120*time.Minute, cfg.Web.MaxAge)
	assert.Equal(t, 100*time.Millisecond, cfg.Web.ProcessInterval)
	assert.Equal(t, "", cfg.GRPC.Listen)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "N", cfg.Serial.Parity)
	assert.Equal(t, "sonde_log.db", cfg.DB.Path)
	assert.False(t, cfg.Habitat.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Habitat.UploadRate)
	assert.Equal(t, 3, cfg.Habitat.Retries)
	assert.Equal(t, []string{"0"}, cfg.Station.SDRs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 28, cfg.Log.MaxAgeDays)
}

func TestLoadJSONKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "station.json", `{
		"web": {"listen": ":8080", "max_age": "30m"},
		"station": {"sdrs": ["0", "1"], "callsign": "VK5QI", "lat": -34.9, "lon": 138.6}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Web.Listen)
	assert.Equal(t, 30*time.Minute, cfg.Web.MaxAge)
	assert.Equal(t, 100*time.Millisecond, cfg.Web.ProcessInterval)
	assert.Equal(t, []string{"0", "1"}, cfg.Station.SDRs)
	assert.Equal(t, "VK5QI", cfg.Station.Callsign)
	assert.InDelta(t, -34.9, cfg.Station.Lat, 1e-9)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "station.yaml", "habitat:\n  enabled: true\n  upload_rate: 15s\nlog:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Habitat.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Habitat.UploadRate)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SONDE_WEB_LISTEN", ":9999")
	path := writeFile(t, t.TempDir(), "station.json", `{"web": {"listen": ":8080"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Web.Listen)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeFile(t, dir, "station.toml", ""))
	assert.ErrorContains(t, err, "extension")

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "broken.json", "{"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "interval.json", `{"web": {"max_age": "1s", "process_interval": "100ms"}}`))
	assert.ErrorContains(t, err, "process_interval")
}

func TestValidate(t *testing.T) {
	base, err := Default()
	require.NoError(t, err)

	cases := map[string]func(c *StationConfig){
		"zero max age":   func(c *StationConfig) { c.Web.MaxAge = 0 },
		"zero interval":  func(c *StationConfig) { c.Web.ProcessInterval = 0 },
		"bad log level":  func(c *StationConfig) { c.Log.Level = "loud" },
		"bad parity":     func(c *StationConfig) { c.Serial.Port = "/dev/ttyUSB0"; c.Serial.Parity = "X" },
		"bad data bits":  func(c *StationConfig) { c.Serial.Port = "/dev/ttyUSB0"; c.Serial.DataBits = 9 },
		"habitat no url": func(c *StationConfig) { c.Habitat.Enabled = true; c.Habitat.URL = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base.Clone()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestHolderSnapshotIsCopy(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	h := NewHolder(cfg)

	cfg.Station.SDRs[0] = "changed"
	snap := h.Snapshot()
	assert.Equal(t, []string{"0"}, snap.Station.SDRs)

	snap.Station.SDRs[0] = "also changed"
	assert.Equal(t, "0", h.Snapshot().Station.SDRs[0])
}

func TestWatchReloads(t *testing.T) {
	monitoring.SetLogger(nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "station.json", `{"web": {"listen": ":1111"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *StationConfig, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, h, func(c *StationConfig) { reloaded <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "station.json", `{"web": {"listen": "bad`)
	writeFile(t, dir, "station.json", `{"web": {"listen": ":2222"}}`)

	// A write can surface as several events, some of which may observe a
	// truncated file; wait for the final content.
	deadline := time.After(5 * time.Second)
	for got := ""; got != ":2222"; {
		select {
		case c := <-reloaded:
			got = c.Web.Listen
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	assert.Equal(t, ":2222", h.Snapshot().Web.Listen)

	cancel()
	assert.NoError(t, <-done)
}
