package logbook

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/cryorun/internal/state"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestRecorder(t *testing.T, st *state.Store) *Recorder {
	t.Helper()
	r, err := NewRecorder(":memory:", st, time.Second, nil)
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorderSchemaEvolution(t *testing.T) {
	st := state.New()
	st.SetClock(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	r := newTestRecorder(t, st)

	if err := st.Update("ITC503", state.Fields{"Sensor_1_K": 4.2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	r.Tick()

	cols := r.Columns("ITC503")
	for _, want := range []string{"id", "timeseconds", "ReadableTime", "SearchableTime", "Sensor_1_K"} {
		found := false
		for _, c := range cols {
			if c == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("column %q missing after first tick, have %v", want, cols)
		}
	}

	// a new field appears on the second tick
	if err := st.Update("ITC503", state.Fields{"Sensor_2_K": 77.0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	r.Tick()

	n, err := r.RowCount("ITC503")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	v, err := r.QueryValue("ITC503", "Sensor_2_K", 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != nil {
		t.Fatalf("row 1 Sensor_2_K = %v, want NULL", v)
	}
	v, err = r.QueryValue("ITC503", "Sensor_2_K", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if f, ok := v.(float64); !ok || f != 77.0 {
		t.Fatalf("row 2 Sensor_2_K = %v, want 77.0", v)
	}
}

func TestRecorderNaNBecomesNull(t *testing.T) {
	st := state.New()
	r := newTestRecorder(t, st)

	if err := st.Update("K2182", state.Fields{"Voltage_V": math.NaN()}); err != nil {
		t.Fatalf("update: %v", err)
	}
	r.Tick()

	v, err := r.QueryValue("K2182", "Voltage_V", 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != nil {
		t.Fatalf("NaN stored as %v, want NULL", v)
	}
}

func TestRecorderMixedTypes(t *testing.T) {
	st := state.New()
	r := newTestRecorder(t, st)

	err := st.Update("IPS120", state.Fields{
		"Field_T":       1.25,
		"Heater_On":     true,
		"Magnet_Status": "normal",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	r.Tick()

	if v, err := r.QueryValue("IPS120", "Heater_On", 1); err != nil || v != int64(1) {
		t.Fatalf("Heater_On = %v (%v), want 1", v, err)
	}
	if v, err := r.QueryValue("IPS120", "Magnet_Status", 1); err != nil || v != "normal" {
		t.Fatalf("Magnet_Status = %v (%v), want normal", v, err)
	}
}

func TestRecorderBuffersWhenUnreachable(t *testing.T) {
	st := state.New()
	r := newTestRecorder(t, st)

	if err := st.Update("SR830", state.Fields{"R_V": 1e-6}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = r.Close()

	r.Tick()
	r.Tick()
	if got := r.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
}

func TestRecorderErrorEvents(t *testing.T) {
	st := state.New()
	r := newTestRecorder(t, st)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := r.RecordError(ts, "timeout", "ITC503", "read_sensor", "no reply"); err != nil {
		t.Fatalf("record error: %v", err)
	}
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM errors;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("errors rows = %d, want 1", n)
	}
}

func TestDBPath(t *testing.T) {
	day := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if got := DBPath("run", day); got != "run_20260301.db" {
		t.Fatalf("DBPath = %q", got)
	}
}

func TestMeasurementHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.dat")
	m := NewMeasurement(path)
	m.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := m.Append(Point{TempMean: 4.2, TempStd: 0.01, ResMean: 12.5, ResStd: 0.002, TimeSeconds: 100.5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.Append(Point{TempMean: 4.3, TempStd: 0.02, ResMean: 12.6, ResStd: 0.003, TimeSeconds: 105.5}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), data)
	}
	if lines[0] != "# Measurement started on 2026-03-01::12:00:00" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "# temp_sample [K]") {
		t.Fatalf("legend = %q", lines[1])
	}
	if !strings.Contains(lines[2], "4.200E+00") || !strings.Contains(lines[2], "100.5") {
		t.Fatalf("body = %q", lines[2])
	}
	if strings.Count(string(data), "# Measurement started") != 1 {
		t.Fatalf("header repeated:\n%s", data)
	}
}

func TestLiveTickAppends(t *testing.T) {
	st := state.New()
	if err := st.Update("ITC503", state.Fields{"Sensor_1_K": 4.2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	l := NewLive(st, time.Second)
	if l.Period() != time.Second {
		t.Fatalf("period = %v", l.Period())
	}
	st.LiveReset()
	st.LiveAppendTick()
	st.LiveAppendTick()
	live := st.LiveSnapshot()
	if got := len(live["ITC503"]["Sensor_1_K"]); got != 2 {
		t.Fatalf("live length = %d, want 2", got)
	}
}
