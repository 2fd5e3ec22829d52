package client

import "time"

// WorkerStatus mirrors the daemon's per-worker status entry.
type WorkerStatus struct {
	Name     string    `json:"name"`
	Periodic bool      `json:"periodic"`
	Interval string    `json:"interval,omitempty"`
	LastTick time.Time `json:"last_tick"`
	Stalled  bool      `json:"stalled"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Workers       []WorkerStatus `json:"workers"`
	SequenceState string         `json:"sequence_state"`
	SequenceExit  string         `json:"sequence_exit,omitempty"`
	InterlockHeld bool           `json:"interlock_held"`
}

// Snapshot maps instrument name to its published fields.
type Snapshot map[string]map[string]any

// ErrorEvent is one entry of the daemon's recent error ring.
type ErrorEvent struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Component string    `json:"component"`
	Method    string    `json:"method"`
	Message   string    `json:"message"`
}

// SlotRequest names one slot invocation on one worker.
type SlotRequest struct {
	Worker string            `json:"worker"`
	Slot   string            `json:"slot"`
	Args   []float64         `json:"args"`
	Params map[string]string `json:"params,omitempty"`
}
