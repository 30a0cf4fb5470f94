package main

import (
	"bytes"
	"context"
	"expvar"
	"flag"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/banshee-data/sonde.report/internal/api"
	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/exporter"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/station"
	"github.com/banshee-data/sonde.report/internal/testutil"
)

func quiet(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	level := monitoring.CurrentLevel()
	t.Cleanup(func() { monitoring.SetLevel(level) })
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "usage: sondeweb")

	out.Reset()
	err = run(context.Background(), []string{"launch"}, &out)
	assert.EqualError(t, err, `unknown command "launch"`)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), "sonde.report")
}

func TestParseServeFlags(t *testing.T) {
	f, err := parseServeFlags([]string{"-config", "station.json", "-replay", "a.log, b.log,,", "-pcap", "x.pcap"})
	require.NoError(t, err)
	assert.Equal(t, "station.json", f.configPath)
	assert.Equal(t, []string{"a.log", "b.log"}, f.replay)
	assert.Equal(t, "x.pcap", f.pcap)
	assert.Equal(t, time.Second, f.replayDelay)
	assert.Equal(t, 1.0, f.pcapSpeed)

	f, err = parseServeFlags(nil)
	require.NoError(t, err)
	assert.Empty(t, f.replay)

	tests := []struct {
		name string
		args []string
	}{
		{"zero delay", []string{"-replay-delay", "0s"}},
		{"negative speed", []string{"-pcap-speed", "-1"}},
		{"positional", []string{"extra"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseServeFlags(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, writeKeyFile(path, "abc-123"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key, err := readKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", key)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = readKeyFile(empty)
	assert.Error(t, err)

	_, err = readKeyFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRunStop(t *testing.T) {
	quiet(t)
	stopped := make(chan struct{})
	srv := api.NewServer(api.Options{
		ShutdownKey: "secret",
		OnShutdown:  func() { close(stopped) },
	})
	ts := httptest.NewServer(srv.ServeMux())
	defer ts.Close()

	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	bad := filepath.Join(dir, "bad")
	require.NoError(t, writeKeyFile(good, "secret"))
	require.NoError(t, writeKeyFile(bad, "wrong"))

	var out bytes.Buffer
	err := runStop(context.Background(), []string{"-addr", ts.URL, "-key-file", bad}, &out)
	assert.ErrorContains(t, err, "403")

	require.NoError(t, runStop(context.Background(), []string{"-addr", ts.URL, "-key-file", good}, &out))
	assert.Contains(t, out.String(), "shutdown requested")
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not called")
	}

	assert.Error(t, runStop(context.Background(), []string{"-addr", ts.URL}, &out))
}

func TestRunMigrate(t *testing.T) {
	quiet(t)
	path := filepath.Join(t.TempDir(), "log.db")

	var out bytes.Buffer
	require.NoError(t, runMigrate([]string{"-db", path, "up"}, &out))
	assert.Contains(t, out.String(), "Current version: 2 (dirty: false)")

	out.Reset()
	require.NoError(t, runMigrate([]string{"-db", path, "down"}, &out))
	assert.Contains(t, out.String(), "Current version: 1 (dirty: false)")

	out.Reset()
	assert.Error(t, runMigrate([]string{"-db", path}, &out))
	assert.Contains(t, out.String(), "Usage: sondeweb migrate")
}

// serveOnce starts serve with a minimal local config, waits for it to come
// up and cancels it.
func serveOnce(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "station.json")
	cfg := `{
  "web": {"listen": "127.0.0.1:0"},
  "udp": {"listen": "127.0.0.1:0"},
  "db": {"path": "` + filepath.ToSlash(filepath.Join(dir, "sonde_log.db")) + `"},
  "log": {"level": "error"}
}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	keyFile := filepath.Join(dir, "key")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- serve(ctx, serveFlags{configPath: cfgPath, keyFile: keyFile, replayDelay: time.Second})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(keyFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	key, err := readKeyFile(keyFile)
	require.NoError(t, err)
	assert.Len(t, key, 36)
	assert.Contains(t, expvar.Get("sonde_exporter").String(), "counter_accepted")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	_, err = os.Stat(keyFile)
	assert.True(t, os.IsNotExist(err))
}

func TestServeStopsOnCancel(t *testing.T) {
	quiet(t)
	serveOnce(t)
}

func TestServeTwiceInOneProcess(t *testing.T) {
	quiet(t)
	serveOnce(t)
	serveOnce(t)
}

func TestTrackTasks(t *testing.T) {
	quiet(t)
	hub := broadcast.NewHub(4)
	defer hub.Close()
	_, events := hub.Subscribe(broadcast.EventTelemetry)
	tasks := station.NewTasks([]string{"0"})

	pub := trackTasks(tasks, hub)
	pub.Publish(exporter.EventTelemetry, testutil.TelemetryRecord(t, "S1", 1, 100))

	assert.Equal(t, "Decoding (401.520 MHz)", tasks.Status()["0"])
	select {
	case ev := <-events:
		assert.Equal(t, broadcast.EventTelemetry, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("telemetry not forwarded")
	}
}

func TestRunTail(t *testing.T) {
	quiet(t)
	hub := broadcast.NewHub(8)
	defer hub.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	broadcast.NewGRPCService(hub).Register(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runTail(context.Background(), []string{"-grpc", lis.Addr().String(), "-events", "telemetry_event", "-count", "1"}, &out)
	}()

	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, 5*time.Second, 5*time.Millisecond)
	hub.Publish(broadcast.EventScan, nil)
	hub.Publish(broadcast.EventTelemetry, map[string]any{"id": "M1"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return")
	}
	assert.Equal(t, "telemetry_event {\"id\":\"M1\"}\n", out.String())
}
