package habitat

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

const uuidBatch = 10

// UploadListenerPosition reports the receiving station's position. The
// first call also registers the uploader callsign.
func (u *Uploader) UploadListenerPosition(ctx context.Context, lat, lon float64) error {
	u.listenerMu.Lock()
	defer u.listenerMu.Unlock()

	if !u.listenerInit {
		err := u.postListenerDoc(ctx, map[string]any{
			"type":         "listener_information",
			"time_created": u.now(),
			"data":         map[string]any{"callsign": u.opts.UploaderCallsign},
		})
		if err != nil {
			return fmt.Errorf("register listener callsign: %w", err)
		}
		u.listenerInit = true
		monitoring.Debugf("habitat: listener callsign %s registered", u.opts.UploaderCallsign)
	}

	err := u.postListenerDoc(ctx, map[string]any{
		"type":         "listener_telemetry",
		"time_created": u.now(),
		"data": map[string]any{
			"callsign":  u.opts.UploaderCallsign,
			"chase":     false,
			"latitude":  lat,
			"longitude": lon,
			"altitude":  0,
			"speed":     0,
		},
	})
	if err != nil {
		return fmt.Errorf("upload listener position: %w", err)
	}
	monitoring.Infof("habitat: listener information uploaded")
	return nil
}

func (u *Uploader) now() string {
	return u.opts.Clock.Now().UTC().Format(timeLayout)
}

// postListenerDoc stores doc under a server-issued uuid. The caller holds
// listenerMu.
func (u *Uploader) postListenerDoc(ctx context.Context, doc map[string]any) error {
	if len(u.uuids) == 0 {
		if err := u.fetchUUIDs(ctx); err != nil {
			return err
		}
	}
	doc["_id"] = u.uuids[len(u.uuids)-1]
	u.uuids = u.uuids[:len(u.uuids)-1]
	doc["time_uploaded"] = u.now()

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return u.withRetries(ctx, func() error {
		return u.send(ctx, http.MethodPost, u.opts.URL+"/habitat/", body)
	})
}

func (u *Uploader) fetchUUIDs(ctx context.Context) error {
	url := fmt.Sprintf("%s/_uuids?count=%d", u.opts.URL, uuidBatch)
	var got struct {
		UUIDs []string `json:"uuids"`
	}
	err := u.withRetries(ctx, func() error {
		resp, err := u.do(ctx, http.MethodGet, url, nil)
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
		return fmt.Errorf("fetch uuids: %w", err)
	}
	if len(got.UUIDs) == 0 {
		return fmt.Errorf("fetch uuids: %w: empty response", ErrUpstreamUnavailable)
	}
	u.uuids = append(u.uuids, got.UUIDs...)
	return nil
}
