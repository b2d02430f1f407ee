package models

import (
	"sort"
	"strings"
	"time"
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Public returns the state as exposed by status queries. Delayed jobs are
// waiting for their backoff to elapse and read as queued to callers.
func (s JobState) Public() JobState {
	if s == StateDelayed {
		return StateQueued
	}
	return s
}

// Recipient is one row of the imported recipient list: field name -> value.
type Recipient map[string]string

// EmailAddress resolves the recipient's email field. Precedence: "email",
// "Email", "EMAIL", then any other case-insensitive match in sorted key order.
func (r Recipient) EmailAddress() (string, bool) {
	for _, k := range []string{"email", "Email", "EMAIL"} {
		if v, ok := r[k]; ok && v != "" {
			return v, true
		}
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, "email") && r[k] != "" {
			return r[k], true
		}
	}
	return "", false
}

// JobSpec is the immutable payload of a job, fixed at enqueue time.
type JobSpec struct {
	BatchID              string    `json:"batchId"`
	Recipient            Recipient `json:"recipient"`
	Template             *Template `json:"template"`
	Subject              string    `json:"subject"`
	Body                 string    `json:"body"`
	EncryptedCredentials string    `json:"encryptedTokens"`
}

// Job is a JobSpec plus the mutable execution state owned by the queue.
type Job struct {
	ID string
	JobSpec

	State        JobState
	Attempts     int
	FailedReason string
	FinishedOn   *time.Time
}

// JobStatusView is the read-only projection returned by batch status queries.
type JobStatusView struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Status       JobState   `json:"status"`
	FailedReason string     `json:"failedReason,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
}
