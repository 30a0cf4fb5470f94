// Package station holds the process state reported by the query surface
// besides the telemetry archive: which SDR is doing what, and the latest
// frequency scan.
package station

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// TaskScan is the name of the scanning task.
const TaskScan = "SCAN"

// Task status strings.
const (
	StatusNotTasked       = "Not Tasked"
	StatusScanning        = "Scanning"
	StatusDecodingUnknown = "Decoding (?? MHz)"
)

// Tasks tracks the configured SDR devices and the task each is running.
// Decoder tasks are named by their frequency in Hz.
type Tasks struct {
	mu       sync.RWMutex
	sdrs     []string
	assigned map[string]string // task name -> device id
	sondes   map[string]string // sonde id -> decoder task name
	onChange func()
}

func NewTasks(sdrs []string) *Tasks {
	t := &Tasks{assigned: make(map[string]string), sondes: make(map[string]string)}
	t.sdrs = append(t.sdrs, sdrs...)
	return t
}

// OnChange registers fn to run after every change. fn runs without any
// lock held.
func (t *Tasks) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// SetSDRs replaces the list of configured devices.
func (t *Tasks) SetSDRs(ids []string) {
	t.mu.Lock()
	t.sdrs = append([]string(nil), ids...)
	fn := t.onChange
	t.mu.Unlock()
	notify(fn)
}

// Assign starts task on device, replacing any previous device for task.
func (t *Tasks) Assign(task, device string) {
	t.mu.Lock()
	t.assigned[task] = device
	fn := t.onChange
	t.mu.Unlock()
	notify(fn)
}

// AssignFrequency starts a decoder task for freqHz on device.
func (t *Tasks) AssignFrequency(freqHz float64, device string) {
	t.Assign(strconv.FormatFloat(freqHz, 'f', -1, 64), device)
}

// Release ends task.
func (t *Tasks) Release(task string) {
	t.mu.Lock()
	_, ok := t.assigned[task]
	delete(t.assigned, task)
	fn := t.onChange
	t.mu.Unlock()
	if ok {
		notify(fn)
	}
}

// Observe records that the decoder on rec's sdr_device_idx produced rec,
// so that device is decoding rec.FreqFloat. A device decodes one frequency
// at a time: any other decoder task it held is released. Records without a
// device index are ignored. OnChange only fires when the mapping changes.
func (t *Tasks) Observe(rec telemetry.Record) {
	device, ok := deviceIdx(rec.Extra["sdr_device_idx"])
	if !ok {
		return
	}
	task := strconv.FormatFloat(math.Round(rec.FreqFloat*1e6), 'f', -1, 64)

	t.mu.Lock()
	t.sondes[rec.ID] = task
	if t.assigned[task] == device {
		t.mu.Unlock()
		return
	}
	for name, d := range t.assigned {
		if d == device && name != TaskScan {
			delete(t.assigned, name)
		}
	}
	t.assigned[task] = device
	fn := t.onChange
	t.mu.Unlock()
	notify(fn)
}

// Forget drops sonde id, releasing its decoder task once no other tracked
// sonde is on that frequency.
func (t *Tasks) Forget(id string) {
	t.mu.Lock()
	task, ok := t.sondes[id]
	delete(t.sondes, id)
	if !ok {
		t.mu.Unlock()
		return
	}
	for _, other := range t.sondes {
		if other == task {
			t.mu.Unlock()
			return
		}
	}
	_, held := t.assigned[task]
	delete(t.assigned, task)
	fn := t.onChange
	t.mu.Unlock()
	if held {
		notify(fn)
	}
}

func deviceIdx(v any) (string, bool) {
	switch d := v.(type) {
	case string:
		return d, d != ""
	case nil:
		return "", false
	default:
		return fmt.Sprint(d), true
	}
}

// Tasks returns a copy of the task name to device mapping.
func (t *Tasks) Tasks() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.assigned))
	for k, v := range t.assigned {
		out[k] = v
	}
	return out
}

// Status maps every configured device to a human readable state.
func (t *Tasks) Status() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byDevice := make(map[string]string, len(t.assigned))
	// Iterate in a fixed order so a device with two tasks reports the same
	// one every time.
	names := make([]string, 0, len(t.assigned))
	for name := range t.assigned {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		byDevice[t.assigned[name]] = name
	}

	out := make(map[string]string, len(t.sdrs))
	for _, sdr := range t.sdrs {
		out[sdr] = StatusNotTasked
	}
	// Devices seen in telemetry are listed even when not configured.
	for device, task := range byDevice {
		out[device] = taskStatus(task)
	}
	return out
}

func taskStatus(task string) string {
	if task == TaskScan {
		return StatusScanning
	}
	hz, err := strconv.ParseFloat(task, 64)
	if err != nil {
		return StatusDecodingUnknown
	}
	return fmt.Sprintf("Decoding (%.3f MHz)", hz/1e6)
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
