package logbook

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loykin/cryorun/internal/state"
)

// Measurement appends finished resistance points to a plain-text data file.
// The header is written once, when the file is created.
type Measurement struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Point is one completed measurement.
type Point struct {
	TempMean    float64
	TempStd     float64
	ResMean     float64
	ResStd      float64
	TimeSeconds float64
}

func NewMeasurement(path string) *Measurement {
	return &Measurement{path: path, now: time.Now}
}

func (m *Measurement) Path() string { return m.path }

// Append writes one line, creating the file with its header first if needed.
func (m *Measurement) Append(p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, statErr := os.Stat(m.path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if fresh {
		header := fmt.Sprintf("# Measurement started on %s\n"+
			"# temp_sample [K], T_std [K], resistance [Ohm], R_std [Ohm], time [s]\n",
			state.Readable(m.now()))
		if _, err := f.WriteString(header); err != nil {
			return err
		}
	}
	line := fmt.Sprintf(" %.3E %.3E %.14E %.14E %v\n",
		p.TempMean, p.TempStd, p.ResMean, p.ResStd, p.TimeSeconds)
	_, err = f.WriteString(line)
	return err
}
