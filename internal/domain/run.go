package domain

import (
	"errors"
	"time"
)

var (
	// ErrConfiguration rejects a run before it reaches Running.
	ErrConfiguration = errors.New("configuration error")
	// ErrIOFault means the run log could not be persisted.
	ErrIOFault = errors.New("log persistence failure")
	// ErrTotalDeviceLoss means every instrument was suspended at once.
	ErrTotalDeviceLoss = errors.New("total device loss")
)

// RunStatus is the lifecycle position of a run.
type RunStatus string

const (
	StatusIdle     RunStatus = "idle"
	StatusRunning  RunStatus = "running"
	StatusStopping RunStatus = "stopping"
	StatusStopped  RunStatus = "stopped"
	StatusFaulted  RunStatus = "faulted"
)

// Terminal reports whether no cycle loop is active for the status.
func (s RunStatus) Terminal() bool {
	return s == StatusIdle || s == StatusStopped || s == StatusFaulted
}

// RunState describes the current (or last) run. CycleIndex is the number of
// cycles persisted so far, which is also the index of the next cycle.
type RunState struct {
	RunID      string    `json:"run_id,omitempty"`
	Status     RunStatus `json:"status"`
	CycleIndex uint64    `json:"cycle_index"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
