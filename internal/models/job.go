package models

import (
	"time"
)

// Job is the ephemeral queue primitive. It exists only inside Redis while a
// sync run is queued, leased, or awaiting a retry.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Counts is the structured result every sync processor returns to the worker.
type Counts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
}

// Add accumulates another batch's counts.
func (c *Counts) Add(o Counts) {
	c.Processed += o.Processed
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
}

// JobOutcome is a retained record of a finished queue job, kept in a bounded
// per-queue list for inspection.
type JobOutcome struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Counts     Counts    `json:"counts"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finished_at"`
}

// Outcome status values recorded in the retention list.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRetrying  = "retrying"
)
