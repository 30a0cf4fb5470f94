package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrMalformed matches every rejection produced by Validate.
var ErrMalformed = errors.New("malformed telemetry")

// ErrNoData is returned for the "no data" marker (a nil Raw).
var ErrNoData = fmt.Errorf("%w: no data", ErrMalformed)

// MalformedError names the required field that caused a rejection.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Reason == reasonMissing {
		return fmt.Sprintf("telemetry missing required field %s", e.Field)
	}
	return fmt.Sprintf("telemetry field %s: %s", e.Field, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

const (
	reasonMissing = "missing"
	reasonNumber  = "expected a number"
	reasonInteger = "expected an integer"
	reasonString  = "expected a string"
	reasonFinite  = "not a finite number"
)

// RejectReason returns a short label for a Validate error, suitable as a
// counter key: "no_data", "missing_<field>" or "invalid_<field>".
func RejectReason(err error) string {
	if errors.Is(err, ErrNoData) {
		return "no_data"
	}
	var me *MalformedError
	if errors.As(err, &me) {
		if me.Reason == reasonMissing {
			return "missing_" + me.Field
		}
		return "invalid_" + me.Field
	}
	return "other"
}

// Validate checks that raw carries every required field with a usable type
// and returns a normalized Record. Transient decode-only fields are dropped;
// any other field is kept, deep-copied, in Record.Extra. raw itself is never
// modified or retained.
func Validate(raw Raw) (Record, error) {
	if raw == nil {
		return Record{}, ErrNoData
	}
	for _, f := range RequiredFields {
		if _, ok := raw[f]; !ok {
			return Record{}, &MalformedError{Field: f, Reason: reasonMissing}
		}
	}

	var (
		rec Record
		err error
	)
	if rec.Frame, err = intField(raw, FieldFrame); err != nil {
		return Record{}, err
	}
	if rec.ID, err = stringField(raw, FieldID); err != nil {
		return Record{}, err
	}
	if rec.Datetime, err = stringField(raw, FieldDatetime); err != nil {
		return Record{}, err
	}
	if rec.Lat, err = floatField(raw, FieldLat); err != nil {
		return Record{}, err
	}
	if rec.Lon, err = floatField(raw, FieldLon); err != nil {
		return Record{}, err
	}
	if rec.Alt, err = floatField(raw, FieldAlt); err != nil {
		return Record{}, err
	}
	if rec.Temp, err = floatField(raw, FieldTemp); err != nil {
		return Record{}, err
	}
	if rec.Type, err = stringField(raw, FieldType); err != nil {
		return Record{}, err
	}
	if rec.Freq, err = stringField(raw, FieldFreq); err != nil {
		return Record{}, err
	}
	if rec.FreqFloat, err = floatField(raw, FieldFreqFloat); err != nil {
		return Record{}, err
	}

	for k, v := range raw {
		if isRequired(k) || isTransient(k) {
			continue
		}
		if !finite(v) {
			return Record{}, &MalformedError{Field: k, Reason: reasonFinite}
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = cloneValue(v)
	}
	return rec, nil
}

func isRequired(name string) bool {
	for _, f := range RequiredFields {
		if f == name {
			return true
		}
	}
	return false
}

func isTransient(name string) bool {
	for _, f := range TransientFields {
		if f == name {
			return true
		}
	}
	return false
}

func stringField(raw Raw, name string) (string, error) {
	s, ok := raw[name].(string)
	if !ok {
		return "", &MalformedError{Field: name, Reason: reasonString}
	}
	return s, nil
}

func floatField(raw Raw, name string) (float64, error) {
	f, ok := toFloat(raw[name])
	if !ok {
		return 0, &MalformedError{Field: name, Reason: reasonNumber}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &MalformedError{Field: name, Reason: reasonFinite}
	}
	return f, nil
}

// finite reports whether v, and everything nested inside it, can be encoded
// as JSON. NaN and infinities cannot.
func finite(v any) bool {
	switch t := v.(type) {
	case float64:
		return !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return finite(float64(t))
	case map[string]any:
		for _, e := range t {
			if !finite(e) {
				return false
			}
		}
	case []any:
		for _, e := range t {
			if !finite(e) {
				return false
			}
		}
	}
	return true
}

func intField(raw Raw, name string) (int64, error) {
	switch v := raw[name].(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
	}
	f, ok := toFloat(raw[name])
	if !ok || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, &MalformedError{Field: name, Reason: reasonInteger}
	}
	return int64(f), nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	}
	return 0, false
}
