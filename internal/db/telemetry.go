package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// LogEntry is one stored telemetry row.
type LogEntry struct {
	ID         int64     `json:"id"`
	Serial     string    `json:"serial"`
	Frame      int64     `json:"frame"`
	Datetime   string    `json:"datetime"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Alt        float64   `json:"alt"`
	Temp       float64   `json:"temp"`
	Type       string    `json:"type"`
	FreqMHz    float64   `json:"freq_mhz"`
	VelV       *float64  `json:"vel_v,omitempty"`
	VelH       *float64  `json:"vel_h,omitempty"`
	Humidity   *float64  `json:"humidity,omitempty"`
	SDR        string    `json:"sdr_device_idx,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func optionalFloat(rec telemetry.Record, name string) sql.NullFloat64 {
	if _, ok := rec.Extra[name]; !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: rec.Float(name, 0), Valid: true}
}

func nullableFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// RecordTelemetry appends rec to the log with receivedAt as its arrival time.
func (db *DB) RecordTelemetry(rec telemetry.Record, receivedAt time.Time) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry %s: %w", rec.ID, err)
	}
	var sdr sql.NullString
	if s, ok := rec.Extra["sdr_device_idx"].(string); ok {
		sdr = sql.NullString{String: s, Valid: true}
	}

	_, err = db.Exec(
		`INSERT INTO telemetry (
			serial, frame, datetime, lat, lon, alt, temp, sonde_type, freq_mhz,
			vel_v, vel_h, humidity, sdr_device_idx, raw_json, received_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Frame, rec.Datetime, rec.Lat, rec.Lon, rec.Alt, rec.Temp, rec.Type, rec.FreqFloat,
		optionalFloat(rec, "vel_v"), optionalFloat(rec, "vel_h"), optionalFloat(rec, "humidity"),
		sdr, string(raw), receivedAt.UnixNano(),
	)
	return err
}

// RecordEvent stores the record carried by a telemetry_event. It is the
// callback the service hands to broadcast.Consume.
func (db *DB) RecordEvent(ev broadcast.Event) error {
	rec, err := telemetry.DecodeRecord(ev.Data)
	if err != nil {
		return err
	}
	return db.RecordTelemetry(rec, time.Now())
}

// TelemetryLog returns the most recent limit rows for serial, oldest first.
// A limit of zero or less returns every row.
func (db *DB) TelemetryLog(serial string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT * FROM (
			SELECT telemetry_id, serial, frame, datetime, lat, lon, alt, temp, sonde_type,
				freq_mhz, vel_v, vel_h, humidity, sdr_device_idx, received_unix_nanos
			FROM telemetry
			WHERE serial = ?
			ORDER BY telemetry_id DESC
			LIMIT ?
		) ORDER BY telemetry_id ASC`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e                    LogEntry
			velV, velH, humidity sql.NullFloat64
			sdr                  sql.NullString
			received             int64
		)
		if err := rows.Scan(
			&e.ID, &e.Serial, &e.Frame, &e.Datetime, &e.Lat, &e.Lon, &e.Alt, &e.Temp, &e.Type,
			&e.FreqMHz, &velV, &velH, &humidity, &sdr, &received,
		); err != nil {
			return nil, err
		}
		e.VelV = nullableFloat(velV)
		e.VelH = nullableFloat(velH)
		e.Humidity = nullableFloat(humidity)
		e.SDR = sdr.String
		e.ReceivedAt = time.Unix(0, received).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Serials returns every sonde serial in the log, sorted.
func (db *DB) Serials() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT serial FROM telemetry ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var serials []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		serials = append(serials, s)
	}
	return serials, rows.Err()
}

// Upload is the outcome of one habitat upload attempt series.
type Upload struct {
	Serial     string    `json:"serial"`
	Frame      int64     `json:"frame"`
	Sentence   string    `json:"sentence"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// RecordUpload stores the outcome of an upload.
func (db *DB) RecordUpload(u Upload) error {
	var errText sql.NullString
	if u.Error != "" {
		errText = sql.NullString{String: u.Error, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO habitat_uploads (serial, frame, sentence, ok, error, uploaded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.Serial, u.Frame, u.Sentence, u.OK, errText, u.UploadedAt.UnixNano(),
	)
	return err
}

// Uploads returns the most recent limit upload outcomes, newest first.
func (db *DB) Uploads(limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT serial, frame, sentence, ok, error, uploaded_unix_nanos
		FROM habitat_uploads
		ORDER BY upload_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var (
			u       Upload
			errText sql.NullString
			at      int64
		)
		if err := rows.Scan(&u.Serial, &u.Frame, &u.Sentence, &u.OK, &errText, &at); err != nil {
			return nil, err
		}
		u.Error = errText.String
		u.UploadedAt = time.Unix(0, at).UTC()
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}
