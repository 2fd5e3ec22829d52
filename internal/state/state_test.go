package state

import (
	"math"
	"testing"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
)

func TestUpdateStampsTimeFields(t *testing.T) {
	s := New()
	fixed := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	if err := s.Update("itc", Fields{"Sensor_1_K": 4.2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := s.Snapshot()
	if snap["itc"]["Sensor_1_K"] != 4.2 {
		t.Fatalf("value lost: %+v", snap)
	}
	if snap["itc"][FieldReadableTime] != "2024-03-01::12:30:45" {
		t.Fatalf("readable time: %v", snap["itc"][FieldReadableTime])
	}
	if snap["itc"][FieldSearchableTime] != "20240301123045" {
		t.Fatalf("searchable time: %v", snap["itc"][FieldSearchableTime])
	}
	if _, ok := snap["itc"][FieldTimeSeconds].(float64); !ok {
		t.Fatalf("timeseconds must be float64")
	}
}

func TestTypeStability(t *testing.T) {
	s := New()
	if err := s.Update("ips", Fields{"status": "normal", "field_T": 1.0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := s.Update("ips", Fields{"status": 3.0, "field_T": 2.0})
	if !errkind.Is(err, errkind.KindType) {
		t.Fatalf("type change should be rejected, got %v", err)
	}
	// offending field untouched, other fields still applied
	if v, _ := s.Get("ips", "status"); v != "normal" {
		t.Fatalf("status should keep its first-seen value, got %v", v)
	}
	if v, _ := s.Float("ips", "field_T"); v != 2.0 {
		t.Fatalf("field_T should have been updated, got %v", v)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2})
	snap := s.Snapshot()
	snap["itc"]["Sensor_1_K"] = 999.0
	if v, _ := s.Float("itc", "Sensor_1_K"); v != 4.2 {
		t.Fatalf("mutating a snapshot must not touch the store, got %v", v)
	}
}

func TestLiveAppendTickEqualLengths(t *testing.T) {
	s := New()
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2, "heater_pct": 12.0})
	_ = s.Update("ilm", Fields{"He_level_pct": 87.3})
	s.LiveReset()

	for i := 0; i < 5; i++ {
		s.LiveAppendTick()
	}
	live := s.LiveSnapshot()
	for instr, series := range live {
		var want = -1
		for field, seq := range series {
			if want == -1 {
				want = len(seq)
			}
			if len(seq) != want {
				t.Fatalf("%s/%s length %d != %d", instr, field, len(seq), want)
			}
		}
		if want != 5 {
			t.Fatalf("%s should have 5 samples, got %d", instr, want)
		}
		for _, f := range []string{LiveFieldTimeSeconds, LiveFieldReadableTime, LiveFieldSearchableTime} {
			if _, ok := series[f]; !ok {
				t.Fatalf("%s missing synthetic field %s", instr, f)
			}
		}
	}
}

func TestLateFieldBackfilledToSiblingLength(t *testing.T) {
	s := New()
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2})
	s.LiveReset()
	for i := 0; i < 3; i++ {
		s.LiveAppendTick()
	}
	// a probe that was failing comes back and publishes a new field
	_ = s.Update("itc", Fields{"Sensor_2_K": 77.0, "status": "ok"})
	s.LiveAppendTick()

	live := s.LiveSnapshot()
	series := live["itc"]
	for field, seq := range series {
		if len(seq) != 4 {
			t.Fatalf("itc/%s length %d != 4", field, len(seq))
		}
	}
	for i := 0; i < 3; i++ {
		if f := series["Sensor_2_K"][i].(float64); !math.IsNaN(f) {
			t.Fatalf("numeric pad sample %d = %v, want NaN", i, f)
		}
		if v := series["status"][i]; v != "ok" {
			t.Fatalf("string pad sample %d = %v", i, v)
		}
	}
	if f := series["Sensor_2_K"][3].(float64); f != 77.0 {
		t.Fatalf("fresh sample = %v", f)
	}
}

func TestLiveCapacityBound(t *testing.T) {
	s := New()
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2})
	s.LiveReset()
	for i := 0; i < LiveCapacity+50; i++ {
		s.LiveAppendTick()
	}
	live := s.LiveSnapshot()
	for field, seq := range live["itc"] {
		if len(seq) > LiveCapacity {
			t.Fatalf("field %s exceeds capacity: %d", field, len(seq))
		}
		if len(seq) != LiveCapacity {
			t.Fatalf("field %s should be full: %d", field, len(seq))
		}
	}
}

func TestLiveResetRestartsElapsedClock(t *testing.T) {
	s := New()
	base := time.Now()
	cur := base
	s.SetClock(func() time.Time { return cur })
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2})

	cur = base.Add(time.Hour)
	s.LiveReset()
	cur = base.Add(time.Hour + 2*time.Second)
	s.LiveAppendTick()

	live := s.LiveSnapshot()
	seq := live["itc"][LiveFieldTimeSeconds]
	if len(seq) != 1 {
		t.Fatalf("want 1 sample, got %d", len(seq))
	}
	if el := seq[0].(float64); el < 1.9 || el > 2.1 {
		t.Fatalf("elapsed should restart at reset, got %v", el)
	}
}

func TestLateJoinerGetsOwnSeries(t *testing.T) {
	s := New()
	_ = s.Update("itc", Fields{"Sensor_1_K": 4.2})
	s.LiveReset()
	s.LiveAppendTick()
	// new instrument appears after the mirror was initialised
	_ = s.Update("sr830", Fields{"X_V": 1e-6})
	s.LiveAppendTick()

	live := s.LiveSnapshot()
	if n := len(live["itc"]["Sensor_1_K"]); n != 2 {
		t.Fatalf("itc samples: %d", n)
	}
	if n := len(live["sr830"]["X_V"]); n != 1 {
		t.Fatalf("late joiner samples: %d", n)
	}
	// the invariant holds within each instrument
	for field, seq := range live["sr830"] {
		if len(seq) != 1 {
			t.Fatalf("sr830/%s length %d", field, len(seq))
		}
	}
}
