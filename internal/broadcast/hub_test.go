package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/testutil"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

func muteLogs(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubFanOut(t *testing.T) {
	muteLogs(t)
	h := NewHub(4)
	defer h.Close()

	_, all := h.Subscribe()
	_, onlyTelem := h.Subscribe(EventTelemetry)

	h.Publish(EventTask, nil)
	rec := testutil.TelemetryRecord(t, "M1", 1, 500)
	h.Publish(EventTelemetry, rec)

	ev := recv(t, all)
	assert.Equal(t, EventTask, ev.Name)
	assert.JSONEq(t, `{}`, string(ev.Data))

	ev = recv(t, all)
	assert.Equal(t, EventTelemetry, ev.Name)

	ev = recv(t, onlyTelem)
	assert.Equal(t, EventTelemetry, ev.Name)
	var m map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &m))
	assert.Equal(t, "M1", m["id"])
	assert.Equal(t, 500.0, m["alt"])

	select {
	case ev := <-onlyTelem:
		t.Fatalf("unexpected event %s", ev.Name)
	default:
	}
}

func TestHubNoReplayForLateSubscribers(t *testing.T) {
	muteLogs(t)
	h := NewHub(4)
	defer h.Close()

	h.Publish(EventScan, nil)
	_, ch := h.Subscribe()

	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received %s", ev.Name)
	default:
	}
	assert.Equal(t, int64(1), h.Stats().Published)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	muteLogs(t)
	h := NewHub(1)
	defer h.Close()

	_, slow := h.Subscribe()
	h.Publish(EventScan, nil)
	h.Publish(EventTask, nil)

	assert.Equal(t, EventScan, recv(t, slow).Name)
	assert.Equal(t, int64(1), h.Stats().Dropped)
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	muteLogs(t)
	h := NewHub(1)

	id, ch := h.Subscribe()
	_, other := h.Subscribe()
	assert.Equal(t, 2, h.Stats().Subscribers)

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	h.Unsubscribe(id)

	h.Close()
	_, ok = <-other
	assert.False(t, ok)
	h.Close()

	h.Publish(EventScan, nil)
	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestHubConcurrentPublish(t *testing.T) {
	muteLogs(t)
	h := NewHub(1000)
	defer h.Close()
	_, ch := h.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(EventTask, nil)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}

func TestLogForwarder(t *testing.T) {
	muteLogs(t)
	h := NewHub(8)
	defer h.Close()
	_, ch := h.Subscribe(EventLog)

	clock := timeutil.NewMockClock(time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600)))
	remove := monitoring.AddHook(LogForwarder(h, clock))
	defer remove()

	monitoring.Infof("%s subscriber connected", LogTag)
	monitoring.Errorf("telemetry missing required field temp")

	ev := recv(t, ch)
	var le LogEvent
	require.NoError(t, json.Unmarshal(ev.Data, &le))
	assert.Equal(t, "ERROR", le.Level)
	assert.Equal(t, "2026-03-04T04:06:07Z", le.Timestamp)
	assert.Equal(t, "telemetry missing required field temp", le.Msg)

	select {
	case ev := <-ch:
		t.Fatalf("tagged line was forwarded: %s", ev.Data)
	default:
	}
}

func TestConsumeErrorsReachLogObservers(t *testing.T) {
	muteLogs(t)
	h := NewHub(8)
	defer h.Close()
	_, logs := h.Subscribe(EventLog)

	clock := timeutil.NewMockClock(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	remove := monitoring.AddHook(LogForwarder(h, clock))
	defer remove()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Consume(ctx, h, EventTelemetry, func(Event) error {
		return errors.New("disk full")
	})
	require.Eventually(t, func() bool { return h.Stats().Subscribers == 2 }, time.Second, time.Millisecond)

	h.Publish(EventTelemetry, map[string]any{"id": "M1"})

	ev := recv(t, logs)
	var le LogEvent
	require.NoError(t, json.Unmarshal(ev.Data, &le))
	assert.Equal(t, "WARNING", le.Level)
	assert.Equal(t, "telemetry_event consumer: disk full", le.Msg)
}

func TestConsume(t *testing.T) {
	muteLogs(t)
	h := NewHub(8)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, h, EventTelemetry, func(ev Event) error {
			got <- ev.Name
			return errors.New("ignored")
		})
	}()

	require.Eventually(t, func() bool { return h.Stats().Subscribers == 1 }, time.Second, time.Millisecond)
	h.Publish(EventScan, nil)
	h.Publish(EventTelemetry, map[string]any{"id": "M1"})
	h.Publish(EventTelemetry, map[string]any{"id": "M2"})

	assert.Equal(t, EventTelemetry, <-got)
	assert.Equal(t, EventTelemetry, <-got)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
