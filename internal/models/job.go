package models

import (
	"time"
)

// Status is a job lifecycle state persisted in the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the only legal forward moves of the state machine.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status that may move directly to the given one.
func Predecessors(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, n := range nexts {
			if n == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Job is a single analysis request tracked from submission to terminal outcome.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Result    *string   `json:"result"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor is the minimal data a worker needs to process a job. It travels through the queue.
type Descriptor struct {
	JobID string `json:"job_id"`
	Query string `json:"query"`
	// Input is the transient storage handle of the uploaded document.
	Input string `json:"input"`
}
