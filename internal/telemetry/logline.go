package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LogLineColumns is the column order of a sonde log file row.
var LogLineColumns = []string{"datetime", "id", "frame", "lat", "lon", "alt", "temp", "type", "freq_mhz"}

// ReplayDeviceIdx is the sdr_device_idx attached to replayed log rows.
const ReplayDeviceIdx = "00000001"

// ParseLogLine converts one row of a sonde log file into a Raw record as a
// decoder would have emitted it. It returns nil (the "no data" marker) when
// the row is short or a numeric column does not parse.
func ParseLogLine(cols []string) Raw {
	if len(cols) < len(LogLineColumns) {
		return nil
	}
	trimmed := make([]string, len(cols))
	for i, c := range cols {
		trimmed[i] = strings.TrimSpace(c)
	}
	cols = trimmed

	frame, err := strconv.ParseInt(cols[2], 10, 64)
	if err != nil {
		return nil
	}
	var nums [4]float64
	for i, c := range cols[3:7] {
		if nums[i], err = parseFinite(c); err != nil {
			return nil
		}
	}
	freq, err := parseFinite(cols[8])
	if err != nil {
		return nil
	}

	return Raw{
		FieldFrame:       frame,
		FieldID:          cols[1],
		FieldDatetime:    cols[0],
		FieldLat:         nums[0],
		FieldLon:         nums[1],
		FieldAlt:         nums[2],
		FieldTemp:        nums[3],
		FieldType:        cols[7],
		FieldFreq:        strconv.FormatFloat(freq, 'f', -1, 64) + " MHz",
		FieldFreqFloat:   freq,
		"vel_v":          0.0,
		FieldDatetimeDT:  nil,
		"sdr_device_idx": ReplayDeviceIdx,
	}
}

func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return f, nil
}
