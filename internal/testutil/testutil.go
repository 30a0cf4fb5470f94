// Package testutil provides shared test utilities and telemetry fixtures.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// FixtureEpoch is the datetime used by the telemetry fixtures for frame 0.
var FixtureEpoch = time.Date(2017, 12, 29, 23, 20, 0, 0, time.UTC)

// TelemetryRaw returns a complete decoder-style record for sonde id. The
// position and time are derived from frame so successive frames form a
// plausible ascent.
func TelemetryRaw(id string, frame int64, alt float64) telemetry.Raw {
	ts := FixtureEpoch.Add(time.Duration(frame) * time.Second)
	return telemetry.Raw{
		"frame":          frame,
		"id":             id,
		"datetime":       ts.Format("2006-01-02T15:04:05.000"),
		"lat":            -34.9 + float64(frame)*0.0001,
		"lon":            138.5 + float64(frame)*0.0002,
		"alt":            alt,
		"temp":           15.0 - alt/150,
		"type":           "RS41",
		"freq":           "401.520 MHz",
		"freq_float":     401.52,
		"vel_v":          5.0,
		"vel_h":          3.5,
		"humidity":       60.0,
		"datetime_dt":    ts,
		"sdr_device_idx": "0",
	}
}

// TelemetryRecord returns the validated form of TelemetryRaw.
func TelemetryRecord(t testing.TB, id string, frame int64, alt float64) telemetry.Record {
	t.Helper()
	rec, err := telemetry.Validate(TelemetryRaw(id, frame, alt))
	if err != nil {
		t.Fatalf("fixture did not validate: %v", err)
	}
	return rec
}

// WriteSondeLog writes a sonde log file of n rows for id, climbing 5 m per
// frame from 100 m, and returns its path.
func WriteSondeLog(t testing.TB, dir, id string, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		raw := TelemetryRaw(id, int64(i), 100+5*float64(i))
		fmt.Fprintf(&b, "%s,%s,%d,%.5f,%.5f,%.1f,%.1f,%s,%.2f\n",
			raw["datetime"], id, i, raw["lat"], raw["lon"], raw["alt"], raw["temp"], raw["type"], raw["freq_float"])
	}
	path := filepath.Join(dir, id+"_sonde.log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write sonde log: %v", err)
	}
	return path
}
