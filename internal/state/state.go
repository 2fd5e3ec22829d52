// Package state holds the process-wide fused instrument readings: a scalar
// snapshot map and a bounded time-series mirror. Two mutexes guard the two
// maps; whenever both are needed the scalar lock is taken first.
package state

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
)

// LiveCapacity bounds every time-series leaf; the oldest sample drops first.
const LiveCapacity = 1000

// Time field names stamped into every instrument snapshot.
const (
	FieldTimeSeconds    = "timeseconds"
	FieldReadableTime   = "ReadableTime"
	FieldSearchableTime = "SearchableTime"
)

// Synthetic time fields of the live mirror.
const (
	LiveFieldTimeSeconds    = "logging_timeseconds"
	LiveFieldReadableTime   = "logging_ReadableTime"
	LiveFieldSearchableTime = "logging_SearchableTime"
)

const (
	readableLayout   = "2006-01-02::15:04:05"
	searchableLayout = "20060102150405"
)

// Readable formats t in the human-readable log layout.
func Readable(t time.Time) string { return t.Format(readableLayout) }

// Searchable formats t in the sortable compact layout.
func Searchable(t time.Time) string { return t.Format(searchableLayout) }

// TimeFields returns the three time values stamped into snapshots.
func TimeFields(t time.Time) (float64, string, string) {
	return float64(t.UnixNano()) / 1e9, Readable(t), Searchable(t)
}

// Fields is one instrument's field→value map. Values are float64, string or
// bool; a field's type never changes for the process lifetime.
type Fields map[string]any

// Snapshot is a deep copy of the whole scalar state, safe to publish or log
// without further locking.
type Snapshot map[string]Fields

// Clone deep-copies s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for instr, fields := range s {
		f := make(Fields, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		out[instr] = f
	}
	return out
}

// LiveSeries mirrors the snapshot shape with each leaf replaced by a bounded
// FIFO of samples.
type LiveSeries map[string]map[string][]any

// Store is the shared state. mu guards state, liveMu guards liveState and
// liveStart; mu is always taken before liveMu.
type Store struct {
	mu     sync.Mutex
	liveMu sync.Mutex

	state     Snapshot
	liveState LiveSeries
	liveStart time.Time
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state:     make(Snapshot),
		liveState: make(LiveSeries),
		liveStart: time.Now(),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Update merges fields into instrument's entry and stamps the three time
// fields. A value whose type differs from the field's first-seen type is
// rejected with a KindType error; the remaining fields are still applied.
func (s *Store) Update(instrument string, fields Fields) error {
	ts, readable, searchable := TimeFields(s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.state[instrument]
	if entry == nil {
		entry = make(Fields, len(fields)+3)
		s.state[instrument] = entry
	}
	var firstErr error
	for k, v := range fields {
		if prev, ok := entry[k]; ok {
			if fmt.Sprintf("%T", prev) != fmt.Sprintf("%T", v) {
				if firstErr == nil {
					firstErr = errkind.Newf(errkind.KindType, "state", "Update",
						"field %s/%s changed type %T -> %T", instrument, k, prev, v)
				}
				continue
			}
		}
		entry[k] = v
	}
	entry[FieldTimeSeconds] = ts
	entry[FieldReadableTime] = readable
	entry[FieldSearchableTime] = searchable
	return firstErr
}

// Get returns one field's latest value.
func (s *Store) Get(instrument, field string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.state[instrument]
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// Float returns one field as float64, or ok=false when missing or not
// numeric.
func (s *Store) Float(instrument, field string) (float64, bool) {
	v, ok := s.Get(instrument, field)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Snapshot returns a deep copy of the scalar state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Instruments returns the sorted-later identifiers currently present.
func (s *Store) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state))
	for k := range s.state {
		out = append(out, k)
	}
	return out
}

// LiveAppendTick appends the current scalar state to the live mirror and
// stamps the synthetic time fields. A field seen for the first time after
// the mirror started is backfilled to its siblings' length, so every series
// of an instrument stays equally long. Lock order: state before live.
func (s *Store) LiveAppendTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.liveStart).Seconds()
	for instrument, fields := range s.state {
		series := s.liveState[instrument]
		if series == nil {
			series = make(map[string][]any, len(fields)+3)
			s.liveState[instrument] = series
		}
		depth := len(series[LiveFieldTimeSeconds])
		for k, v := range fields {
			series[k] = appendBounded(backfill(series[k], depth, v), v)
		}
		series[LiveFieldTimeSeconds] = appendBounded(series[LiveFieldTimeSeconds], elapsed)
		series[LiveFieldReadableTime] = appendBounded(series[LiveFieldReadableTime], Readable(now))
		series[LiveFieldSearchableTime] = appendBounded(series[LiveFieldSearchableTime], Searchable(now))
	}
}

// backfill pads a late-appearing field up to the instrument's series depth.
// Numeric fields pad with NaN, everything else repeats the first value.
func backfill(seq []any, depth int, v any) []any {
	if len(seq) >= depth {
		return seq
	}
	pad := v
	if _, ok := v.(float64); ok {
		pad = math.NaN()
	}
	for len(seq) < depth {
		seq = append(seq, pad)
	}
	return seq
}

func appendBounded(seq []any, v any) []any {
	seq = append(seq, v)
	if len(seq) > LiveCapacity {
		seq = seq[len(seq)-LiveCapacity:]
	}
	return seq
}

// LiveReset re-initialises the mirror with empty sequences for every field
// currently known, restarting the elapsed clock.
func (s *Store) LiveReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	s.liveStart = s.now()
	s.liveState = make(LiveSeries, len(s.state))
	for instrument, fields := range s.state {
		series := make(map[string][]any, len(fields)+3)
		for k := range fields {
			series[k] = nil
		}
		series[LiveFieldTimeSeconds] = nil
		series[LiveFieldReadableTime] = nil
		series[LiveFieldSearchableTime] = nil
		s.liveState[instrument] = series
	}
}

// LiveSnapshot deep-copies the live mirror.
func (s *Store) LiveSnapshot() LiveSeries {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	out := make(LiveSeries, len(s.liveState))
	for instrument, series := range s.liveState {
		cp := make(map[string][]any, len(series))
		for k, seq := range series {
			dup := make([]any, len(seq))
			copy(dup, seq)
			cp[k] = dup
		}
		out[instrument] = cp
	}
	return out
}
