package telemetry

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// MarshalJSON encodes the record as a single flat object: extension fields
// followed by the required fields, which win on a name clash.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+len(RequiredFields))
	for k, v := range r.Extra {
		m[k] = v
	}
	m[FieldFrame] = r.Frame
	m[FieldID] = r.ID
	m[FieldDatetime] = r.Datetime
	m[FieldLat] = r.Lat
	m[FieldLon] = r.Lon
	m[FieldAlt] = r.Alt
	m[FieldTemp] = r.Temp
	m[FieldType] = r.Type
	m[FieldFreq] = r.Freq
	m[FieldFreqFloat] = r.FreqFloat
	return json.Marshal(m)
}

// UnmarshalJSON decodes and validates a flat record object.
func (r *Record) UnmarshalJSON(data []byte) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// DecodeRaw decodes one JSON object. Numbers are kept as json.Number so that
// integral frame counters survive intact.
func DecodeRaw(data []byte) (Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw Raw
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry JSON: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("failed to decode telemetry JSON: not an object")
	}
	return raw, nil
}

// DecodeRecord decodes and validates one JSON telemetry object.
func DecodeRecord(data []byte) (Record, error) {
	raw, err := DecodeRaw(data)
	if err != nil {
		return Record{}, err
	}
	return Validate(raw)
}
