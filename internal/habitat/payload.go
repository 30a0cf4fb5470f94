package habitat

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/telemetry"
)

const payloadDescription = "Meteorology Radiosonde"

type sentenceField struct {
	Name   string `json:"name"`
	Sensor string `json:"sensor"`
	Format string `json:"format,omitempty"`
}

// sentenceFields lists the UKHAS fields in the order Sentence writes them.
var sentenceFields = []sentenceField{
	{Name: "sentence_id", Sensor: "base.ascii_int"},
	{Name: "time", Sensor: "stdtelem.time"},
	{Name: "latitude", Sensor: "stdtelem.coordinate", Format: "dd.dddd"},
	{Name: "longitude", Sensor: "stdtelem.coordinate", Format: "dd.dddd"},
	{Name: "altitude", Sensor: "base.ascii_int"},
	{Name: "speed", Sensor: "base.ascii_float"},
	{Name: "temperature_external", Sensor: "base.ascii_float"},
	{Name: "humidity", Sensor: "base.ascii_float"},
	{Name: "comment", Sensor: "base.string"},
}

type transmission struct {
	Frequency   int64  `json:"frequency"`
	Modulation  string `json:"modulation"`
	Mode        string `json:"mode"`
	Encoding    string `json:"encoding"`
	Parity      string `json:"parity"`
	Stop        int    `json:"stop"`
	Shift       int    `json:"shift"`
	Baud        int    `json:"baud"`
	Description string `json:"description"`
}

type filter struct {
	Filter string `json:"filter"`
	Type   string `json:"type"`
}

type sentenceConfig struct {
	Protocol    string              `json:"protocol"`
	Callsign    string              `json:"callsign"`
	Checksum    string              `json:"checksum"`
	Fields      []sentenceField     `json:"fields"`
	Filters     map[string][]filter `json:"filters"`
	Description string              `json:"description"`
}

type payloadConfiguration struct {
	Type          string            `json:"type"`
	Name          string            `json:"name"`
	TimeCreated   string            `json:"time_created"`
	Metadata      map[string]string `json:"metadata"`
	Transmissions []transmission    `json:"transmissions"`
	Sentences     []sentenceConfig  `json:"sentences"`
}

func (u *Uploader) payloadConfiguration(rec telemetry.Record) payloadConfiguration {
	return payloadConfiguration{
		Type:        "payload_configuration",
		Name:        rec.ID,
		TimeCreated: u.now(),
		Metadata:    map[string]string{"description": payloadDescription},
		Transmissions: []transmission{{
			Frequency:   int64(math.Round(rec.FreqFloat * 1e6)),
			Modulation:  "RTTY",
			Mode:        "USB",
			Encoding:    "ASCII-8",
			Parity:      "none",
			Stop:        2,
			Shift:       350,
			Baud:        50,
			Description: "Placeholder entry, telemetry is relayed by sonde.report",
		}},
		Sentences: []sentenceConfig{{
			Protocol: "UKHAS",
			Callsign: rec.ID,
			Checksum: "crc16-ccitt",
			Fields:   sentenceFields,
			Filters: map[string][]filter{
				"post": {{Filter: "common.invalid_location_zero", Type: "normal"}},
			},
			Description: "sonde.report to Habitat bridge",
		}},
	}
}

// ensurePayloadDoc creates the payload_configuration document for rec's
// sonde the first time it is seen. Created serials are cached; a failed
// attempt is retried on the next call.
func (u *Uploader) ensurePayloadDoc(ctx context.Context, rec telemetry.Record) error {
	u.docMu.Lock()
	defer u.docMu.Unlock()
	if u.payloadDocs[rec.ID] {
		return nil
	}

	body, err := json.Marshal(u.payloadConfiguration(rec))
	if err != nil {
		return err
	}
	var got struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	err = u.withRetries(ctx, func() error {
		resp, err := u.do(ctx, http.MethodPost, u.opts.URL+"/habitat/", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &got)
	})
	if err != nil {
		return fmt.Errorf("create payload document for %s: %w", rec.ID, err)
	}
	if !got.OK {
		return fmt.Errorf("create payload document for %s: rejected by server", rec.ID)
	}
	u.payloadDocs[rec.ID] = true
	monitoring.Infof("habitat: created a payload document for %s", rec.ID)
	return nil
}
