package habitat

import (
	"bytes"
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
	"time"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/httputil"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/telemetry"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

// ErrUpstreamUnavailable is returned when Habitat could not be reached or
// kept failing after all retries.
var ErrUpstreamUnavailable = errors.New("habitat upstream unavailable")

const (
	DefaultURL              = "http://habitat.habhub.org"
	DefaultPayloadCallsign  = "RADIOSONDE"
	DefaultUploaderCallsign = "N0CALL"
	DefaultUploadRate       = 30 * time.Second
	DefaultTimeout          = 4 * time.Second
)

// timeLayout matches the couchdb documents Habitat stores.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// UploadLog records the outcome of every upload. *db.DB satisfies it.
type UploadLog interface {
	RecordUpload(db.Upload) error
}

type Options struct {
	URL              string
	PayloadCallsign  string
	UploaderCallsign string
	// Comment is appended to every sentence when set.
	Comment string
	// UploadRate is the minimum time between uploads for one sonde.
	UploadRate time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// Backoff is the wait before each retry; the last entry repeats.
	Backoff []time.Duration
	Client  httputil.HTTPClient
	Clock   timeutil.Clock
	Log     UploadLog
}

// Uploader turns telemetry events into payload_telemetry documents.
type Uploader struct {
	opts Options

	mu       sync.Mutex
	lastSent map[string]time.Time

	docMu       sync.Mutex
	payloadDocs map[string]bool

	listenerMu   sync.Mutex
	listenerInit bool
	uuids        []string
}

func NewUploader(opts Options) *Uploader {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.PayloadCallsign == "" {
		opts.PayloadCallsign = DefaultPayloadCallsign
	}
	if opts.UploaderCallsign == "" {
		opts.UploaderCallsign = DefaultUploaderCallsign
	}
	if opts.UploadRate < 0 {
		opts.UploadRate = 0
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = []time.Duration{time.Second, 5 * time.Second}
	}
	if opts.Client == nil {
		opts.Client = httputil.NewStandardClient(DefaultTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Uploader{
		opts:        opts,
		lastSent:    make(map[string]time.Time),
		payloadDocs: make(map[string]bool),
	}
}

// Run uploads telemetry published on h until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context, h *broadcast.Hub) error {
	return broadcast.Consume(ctx, h, broadcast.EventTelemetry, func(ev broadcast.Event) error {
		rec, err := telemetry.DecodeRecord(ev.Data)
		if err != nil {
			return err
		}
		_, err = u.Offer(ctx, rec)
		return err
	})
}

// Offer uploads rec unless the same sonde was uploaded less than UploadRate
// ago. It reports whether an upload was attempted. The sonde's payload
// document is created before its first upload.
func (u *Uploader) Offer(ctx context.Context, rec telemetry.Record) (bool, error) {
	now := u.opts.Clock.Now()
	u.mu.Lock()
	if last, ok := u.lastSent[rec.ID]; ok && now.Sub(last) < u.opts.UploadRate {
		u.mu.Unlock()
		return false, nil
	}
	u.lastSent[rec.ID] = now
	u.mu.Unlock()

	if err := u.ensurePayloadDoc(ctx, rec); err != nil {
		monitoring.Warnf("habitat: %v", err)
	}
	return true, u.Upload(ctx, rec)
}

type receiverTimes struct {
	TimeCreated  string `json:"time_created"`
	TimeUploaded string `json:"time_uploaded"`
}

type payloadTelemetry struct {
	Type      string                   `json:"type"`
	Data      map[string]string        `json:"data"`
	Receivers map[string]receiverTimes `json:"receivers"`
}

// Upload sends one sentence for rec, retrying transport errors and 5xx
// answers. A 4xx answer is not retried.
func (u *Uploader) Upload(ctx context.Context, rec telemetry.Record) error {
	sentence, err := Sentence(rec, u.opts.PayloadCallsign, u.opts.Comment)
	if err != nil {
		return err
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(sentence))
	sum := sha256.Sum256([]byte(b64))
	now := u.opts.Clock.Now().UTC().Format(timeLayout)

	body, err := json.Marshal(payloadTelemetry{
		Type: "payload_telemetry",
		Data: map[string]string{"_raw": b64},
		Receivers: map[string]receiverTimes{
			u.opts.UploaderCallsign: {TimeCreated: now, TimeUploaded: now},
		},
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/habitat/_design/payload_telemetry/_update/add_listener/%s", u.opts.URL, hex.EncodeToString(sum[:]))

	err = u.withRetries(ctx, func() error {
		return u.send(ctx, http.MethodPut, url, body)
	})
	u.logOutcome(rec, sentence, err)
	if err != nil {
		monitoring.Errorf("habitat: failed to upload %s frame %d: %v", rec.ID, rec.Frame, err)
		return err
	}
	monitoring.Infof("habitat: telemetry uploaded: %s", strings.TrimSpace(sentence))
	return nil
}

func (u *Uploader) logOutcome(rec telemetry.Record, sentence string, err error) {
	if u.opts.Log == nil {
		return
	}
	entry := db.Upload{
		Serial:     rec.ID,
		Frame:      rec.Frame,
		Sentence:   sentence,
		OK:         err == nil,
		UploadedAt: u.opts.Clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := u.opts.Log.RecordUpload(entry); lerr != nil {
		monitoring.Warnf("habitat: failed to record upload: %v", lerr)
	}
}

// permanentError marks an answer that retrying will not fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (u *Uploader) withRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= u.opts.Retries; attempt++ {
		if attempt > 0 {
			if werr := u.wait(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		monitoring.Debugf("habitat: attempt %d failed: %v", attempt+1, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func (u *Uploader) wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if n := len(u.opts.Backoff); n > 0 {
		d = u.opts.Backoff[min(attempt-1, n-1)]
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (u *Uploader) send(ctx context.Context, method, url string, body []byte) error {
	resp, err := u.do(ctx, method, url, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (u *Uploader) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, &permanentError{err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := u.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &permanentError{fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(msg))}
	}
	return resp, nil
}
