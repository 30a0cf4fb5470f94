package habitat

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/httputil"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/testutil"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

func TestCRC16CCITT(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16CCITT([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), CRC16CCITT(nil))
}

func TestSentence(t *testing.T) {
	rec := testutil.TelemetryRecord(t, "M1", 1, 500)

	got, err := Sentence(rec, "RADIOSONDE", "")
	require.NoError(t, err)

	body := "RADIOSONDE,1,23:20:01,-34.89990,138.50020,500,3.5,11.7,60.0"
	want := fmt.Sprintf("$$%s*%04X\n", body, CRC16CCITT([]byte(body)))
	assert.Equal(t, want, got)
	assert.Regexp(t, `\*[0-9A-F]{4}\n$`, got)
}

func TestSentenceComment(t *testing.T) {
	rec := testutil.TelemetryRecord(t, "M1", 1, 500)
	got, err := Sentence(rec, "VK5QI", "RS41 M1, 401.520 MHz")
	require.NoError(t, err)
	assert.Contains(t, got, ",RS41 M1_ 401.520 MHz*")
	assert.True(t, strings.HasPrefix(got, "$$VK5QI,1,"))
}

func TestSentenceDefaultsOptionalFields(t *testing.T) {
	rec := testutil.TelemetryRecord(t, "M1", 1, 500)
	delete(rec.Extra, "vel_h")
	delete(rec.Extra, "humidity")
	got, err := Sentence(rec, "RADIOSONDE", "")
	require.NoError(t, err)
	assert.Contains(t, got, ",500,0.0,11.7,0.0*")
}

func TestSentenceBadDatetime(t *testing.T) {
	rec := testutil.TelemetryRecord(t, "M1", 1, 500)
	rec.Datetime = "yesterday"
	_, err := Sentence(rec, "RADIOSONDE", "")
	assert.Error(t, err)
}

type memLog struct {
	mu      sync.Mutex
	uploads []db.Upload
}

func (m *memLog) RecordUpload(u db.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, u)
	return nil
}

func newTestUploader(t *testing.T, client *httputil.MockHTTPClient, log UploadLog) (*Uploader, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	u := NewUploader(Options{
		URL:              "http://habitat.test/",
		UploaderCallsign: "VK5XYZ",
		UploadRate:       30 * time.Second,
		Retries:          2,
		Backoff:          []time.Duration{0},
		Client:           client,
		Clock:            clock,
		Log:              log,
	})
	return u, clock
}

func TestUploadRequest(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusCreated, `{"ok":true}`)
	log := &memLog{}
	u, _ := newTestUploader(t, client, log)

	rec := testutil.TelemetryRecord(t, "M1", 1, 500)
	require.NoError(t, u.Upload(context.Background(), rec))
	require.Equal(t, 1, client.RequestCount())

	sentence, err := Sentence(rec, DefaultPayloadCallsign, "")
	require.NoError(t, err)
	b64 := base64.StdEncoding.EncodeToString([]byte(sentence))
	sum := sha256.Sum256([]byte(b64))

	req := client.Requests[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "http://habitat.test/habitat/_design/payload_telemetry/_update/add_listener/"+hex.EncodeToString(sum[:]), req.URL.String())
	assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("Content-Type"))

	var doc struct {
		Type      string            `json:"type"`
		Data      map[string]string `json:"data"`
		Receivers map[string]struct {
			TimeCreated string `json:"time_created"`
		} `json:"receivers"`
	}
	require.NoError(t, json.Unmarshal(client.Bodies[0], &doc))
	assert.Equal(t, "payload_telemetry", doc.Type)
	assert.Equal(t, b64, doc.Data["_raw"])
	assert.Equal(t, "2026-05-01T12:00:00.000000Z", doc.Receivers["VK5XYZ"].TimeCreated)

	require.Len(t, log.uploads, 1)
	assert.True(t, log.uploads[0].OK)
	assert.Equal(t, sentence, log.uploads[0].Sentence)
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	client := httputil.NewMockHTTPClient().
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusServiceUnavailable, "").
		AddResponse(http.StatusCreated, "")
	u, _ := newTestUploader(t, client, nil)

	require.NoError(t, u.Upload(context.Background(), testutil.TelemetryRecord(t, "M1", 1, 500)))
	assert.Equal(t, 3, client.RequestCount())
}

func TestUploadExhaustsRetries(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	for i := 0; i < 3; i++ {
		client.AddResponse(http.StatusBadGateway, "")
	}
	log := &memLog{}
	u, _ := newTestUploader(t, client, log)

	err := u.Upload(context.Background(), testutil.TelemetryRecord(t, "M1", 1, 500))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 3, client.RequestCount())
	require.Len(t, log.uploads, 1)
	assert.False(t, log.uploads[0].OK)
	assert.NotEmpty(t, log.uploads[0].Error)
}

func TestUploadClientErrorIsNotRetried(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusConflict, "conflict")
	u, _ := newTestUploader(t, client, nil)

	err := u.Upload(context.Background(), testutil.TelemetryRecord(t, "M1", 1, 500))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "409")
	assert.Equal(t, 1, client.RequestCount())
}

// fakeHabitat answers payload document POSTs with ok and telemetry PUTs
// with 201.
func fakeHabitat(req *http.Request) (*http.Response, error) {
	status, body := http.StatusCreated, ""
	if req.Method == http.MethodPost {
		body = `{"ok":true,"id":"doc1"}`
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func countMethod(client *httputil.MockHTTPClient, method string) int {
	n := 0
	for _, r := range client.Requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func TestOfferRateLimitsPerSonde(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.DoFunc = fakeHabitat
	u, clock := newTestUploader(t, client, nil)
	ctx := context.Background()

	sent, err := u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 1, 500))
	require.NoError(t, err)
	assert.True(t, sent)

	sent, _ = u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 2, 510))
	assert.False(t, sent, "second frame inside the upload interval is skipped")

	sent, _ = u.Offer(ctx, testutil.TelemetryRecord(t, "M2", 1, 100))
	assert.True(t, sent, "other sondes have their own interval")

	clock.Advance(30 * time.Second)
	sent, _ = u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 3, 520))
	assert.True(t, sent)
	assert.Equal(t, 3, countMethod(client, http.MethodPut))
	assert.Equal(t, 2, countMethod(client, http.MethodPost), "one payload document per sonde")
}

func TestOfferCreatesPayloadDoc(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.DoFunc = fakeHabitat
	u, _ := newTestUploader(t, client, nil)

	_, err := u.Offer(context.Background(), testutil.TelemetryRecord(t, "M1", 1, 500))
	require.NoError(t, err)
	require.Equal(t, 2, client.RequestCount())

	post := client.Requests[0]
	assert.Equal(t, http.MethodPost, post.Method)
	assert.Equal(t, "http://habitat.test/habitat/", post.URL.String())
	assert.Equal(t, http.MethodPut, client.Requests[1].Method)

	var doc struct {
		Type          string `json:"type"`
		Name          string `json:"name"`
		TimeCreated   string `json:"time_created"`
		Transmissions []struct {
			Frequency int64 `json:"frequency"`
		} `json:"transmissions"`
		Sentences []struct {
			Protocol string `json:"protocol"`
			Callsign string `json:"callsign"`
			Checksum string `json:"checksum"`
			Fields   []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"sentences"`
	}
	require.NoError(t, json.Unmarshal(client.Bodies[0], &doc))
	assert.Equal(t, "payload_configuration", doc.Type)
	assert.Equal(t, "M1", doc.Name)
	assert.Equal(t, "2026-05-01T12:00:00.000000Z", doc.TimeCreated)
	require.Len(t, doc.Transmissions, 1)
	assert.Equal(t, int64(401520000), doc.Transmissions[0].Frequency)
	require.Len(t, doc.Sentences, 1)
	assert.Equal(t, "UKHAS", doc.Sentences[0].Protocol)
	assert.Equal(t, "M1", doc.Sentences[0].Callsign)
	assert.Equal(t, "crc16-ccitt", doc.Sentences[0].Checksum)
	var names []string
	for _, f := range doc.Sentences[0].Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"sentence_id", "time", "latitude", "longitude", "altitude", "speed", "temperature_external", "humidity", "comment"}, names)
}

func TestOfferRetriesRejectedPayloadDoc(t *testing.T) {
	client := httputil.NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"ok":false}`).
		AddResponse(http.StatusCreated, "").
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddResponse(http.StatusCreated, "")
	u, clock := newTestUploader(t, client, nil)
	ctx := context.Background()

	// A rejected document does not block the telemetry upload.
	_, err := u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 1, 500))
	require.NoError(t, err)
	assert.Equal(t, 2, client.RequestCount())

	clock.Advance(30 * time.Second)
	_, err = u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 2, 510))
	require.NoError(t, err)
	assert.Equal(t, 2, countMethod(client, http.MethodPost))

	clock.Advance(30 * time.Second)
	_, err = u.Offer(ctx, testutil.TelemetryRecord(t, "M1", 3, 520))
	require.NoError(t, err)
	assert.Equal(t, 2, countMethod(client, http.MethodPost), "created document is cached")
	assert.Equal(t, 3, countMethod(client, http.MethodPut))
}

func TestRunConsumesTelemetryEvents(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.DoFunc = fakeHabitat
	u, _ := newTestUploader(t, client, nil)
	hub := broadcast.NewHub(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, hub) }()

	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, time.Second, time.Millisecond)
	hub.Publish(broadcast.EventScan, map[string]any{"peaks": 3})
	hub.Publish(broadcast.EventTelemetry, testutil.TelemetryRecord(t, "M1", 1, 500))

	require.Eventually(t, func() bool { return client.RequestCount() == 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, countMethod(client, http.MethodPut))
}

func TestUploadListenerPosition(t *testing.T) {
	client := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"uuids":["u1","u2","u3"]}`).
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddResponse(http.StatusCreated, `{"ok":true}`)
	u, _ := newTestUploader(t, client, nil)
	ctx := context.Background()

	require.NoError(t, u.UploadListenerPosition(ctx, -34.9, 138.6))
	require.Equal(t, 3, client.RequestCount())
	assert.Equal(t, "http://habitat.test/_uuids?count=10", client.Requests[0].URL.String())

	var info, pos map[string]any
	require.NoError(t, json.Unmarshal(client.Bodies[1], &info))
	require.NoError(t, json.Unmarshal(client.Bodies[2], &pos))
	assert.Equal(t, "listener_information", info["type"])
	assert.Equal(t, "u3", info["_id"])
	assert.Equal(t, "listener_telemetry", pos["type"])
	assert.Equal(t, "u2", pos["_id"])
	assert.Equal(t, -34.9, pos["data"].(map[string]any)["latitude"])

	// Callsign registration happens once; the cached uuid is reused.
	require.NoError(t, u.UploadListenerPosition(ctx, -34.9, 138.6))
	assert.Equal(t, 4, client.RequestCount())
	assert.Equal(t, http.MethodPost, client.Requests[3].Method)
}
