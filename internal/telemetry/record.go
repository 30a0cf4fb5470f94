// Package telemetry defines the radiosonde telemetry record, the fixed set of
// fields every record must carry, and the validation boundary that turns the
// loosely typed output of a decoder into a Record.
package telemetry

import "time"

// Field names as produced by the decoders.
const (
	FieldFrame      = "frame"
	FieldID         = "id"
	FieldDatetime   = "datetime"
	FieldLat        = "lat"
	FieldLon        = "lon"
	FieldAlt        = "alt"
	FieldTemp       = "temp"
	FieldType       = "type"
	FieldFreq       = "freq"
	FieldFreqFloat  = "freq_float"
	FieldDatetimeDT = "datetime_dt"
)

// RequiredFields must all be present in a Raw record for it to be accepted.
var RequiredFields = []string{
	FieldFrame,
	FieldID,
	FieldDatetime,
	FieldLat,
	FieldLon,
	FieldAlt,
	FieldTemp,
	FieldType,
	FieldFreq,
	FieldFreqFloat,
}

// TransientFields are attached by decoders for local use only and are
// stripped before a record is stored or distributed.
var TransientFields = []string{FieldDatetimeDT}

// Raw is a decoded but unvalidated telemetry record. A nil Raw is the
// "no data" marker a decoder emits when it could not produce a record.
type Raw map[string]any

// Clone returns a deep copy of r. A nil Raw stays nil.
func (r Raw) Clone() Raw {
	if r == nil {
		return nil
	}
	return cloneMap(r)
}

// Point is one position sample: [lat, lon, alt].
type Point [3]float64

func (p Point) Lat() float64 { return p[0] }
func (p Point) Lon() float64 { return p[1] }
func (p Point) Alt() float64 { return p[2] }

// Record is a validated telemetry record. Records are treated as immutable
// values; use Clone before handing one to another owner.
type Record struct {
	Frame     int64
	ID        string
	Datetime  string
	Lat       float64
	Lon       float64
	Alt       float64
	Temp      float64
	Type      string
	Freq      string
	FreqFloat float64

	// Extra holds extension fields (vel_v, vel_h, humidity, sdr_device_idx, ...).
	Extra map[string]any
}

// Point returns the record's position sample.
func (r Record) Point() Point {
	return Point{r.Lat, r.Lon, r.Alt}
}

// Float returns a numeric extension field, or def when it is absent or not
// numeric.
func (r Record) Float(name string, def float64) float64 {
	v, ok := r.Extra[name]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}
	return f
}

// Clone returns a copy of r that shares no mutable state with it.
func (r Record) Clone() Record {
	out := r
	if r.Extra != nil {
		out.Extra = cloneMap(r.Extra)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case Raw:
		return cloneMap(t)
	default:
		return v
	}
}

// DatetimeLayout is the timestamp format written by the decoders.
const DatetimeLayout = "2006-01-02T15:04:05.999999999"

// ParseDatetime parses the record's datetime field. Both the decoder layout
// and RFC 3339 are accepted.
func (r Record) ParseDatetime() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, r.Datetime); err == nil {
		return t, nil
	}
	return time.Parse(DatetimeLayout, r.Datetime)
}
