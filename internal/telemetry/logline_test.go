package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLine(t *testing.T) {
	t.Parallel()

	row := []string{"2017-12-29T23:20:47.420", "M2913212", "1563", "-34.94541", "138.52819", "761.7", "-273.0", "RS92", "401.52"}
	raw := ParseLogLine(row)
	require.NotNil(t, raw)

	assert.Equal(t, int64(1563), raw["frame"])
	assert.Equal(t, "401.52 MHz", raw["freq"])
	assert.Equal(t, 401.52, raw["freq_float"])
	assert.Equal(t, ReplayDeviceIdx, raw["sdr_device_idx"])
	assert.Contains(t, raw, FieldDatetimeDT)

	rec, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, 761.7, rec.Alt)
	assert.NotContains(t, rec.Extra, FieldDatetimeDT)
}

func TestParseLogLineRejectsBadRows(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212"}))
	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212", "x", "-34.9", "138.5", "761.7", "-273", "RS92", "401.52"}))
	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212", "1", "-34.9", "138.5", "761.7", "-273", "RS92", "?"}))
	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212", "1", "nan", "138.5", "761.7", "-273", "RS92", "401.52"}))
	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212", "1", "-34.9", "138.5", "+Inf", "-273", "RS92", "401.52"}))
	assert.Nil(t, ParseLogLine([]string{"2017-12-29T23:20:47.420", "M2913212", "1", "-34.9", "138.5", "761.7", "-273", "RS92", "inf"}))
}
