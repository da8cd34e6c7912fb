// Package transition holds the static guard tables for the job-status and
// escrow-status machines. The tables are total: every (current, target) pair
// yields a Decision, and rejections carry the human-readable reason that is
// surfaced verbatim to callers.
package transition

import "fmt"

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPendingValidation JobStatus = "pending_validation"
	JobOpen              JobStatus = "open"
	JobAssigned          JobStatus = "assigned"
	JobInProgress        JobStatus = "in_progress"
	JobCompleted         JobStatus = "completed"
	JobDisputed          JobStatus = "disputed"
	JobRejected          JobStatus = "rejected"
	JobRefunded          JobStatus = "refunded"
	JobExpired           JobStatus = "expired"
)

// EscrowStatus enumerates the escrow states for a job.
type EscrowStatus string

const (
	EscrowNotFunded EscrowStatus = "not_funded"
	EscrowFunded    EscrowStatus = "funded"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
)

// Decision is the outcome of a guard lookup.
type Decision struct {
	Allowed bool
	Reason  string
}

var jobTable = map[JobStatus][]JobStatus{
	JobPendingValidation: {JobOpen, JobRejected},
	JobOpen:              {JobAssigned, JobExpired},
	JobAssigned:          {JobInProgress, JobDisputed},
	JobInProgress:        {JobCompleted, JobDisputed},
	JobCompleted:         {JobDisputed},
	JobDisputed:          {JobCompleted, JobRefunded},
	JobRejected:          nil,
	JobRefunded:          nil,
	JobExpired:           nil,
}

var escrowTable = map[EscrowStatus][]EscrowStatus{
	EscrowNotFunded: {EscrowFunded},
	EscrowFunded:    {EscrowReleased, EscrowRefunded},
	EscrowReleased:  nil,
	EscrowRefunded:  nil,
}

// Job answers whether a job may move from current to target.
func Job(current, target JobStatus) Decision {
	targets, known := jobTable[current]
	if !known {
		return Decision{Reason: fmt.Sprintf("unknown job status %q", current)}
	}
	if current == target {
		return Decision{Reason: fmt.Sprintf("job is already %s", current)}
	}
	for _, t := range targets {
		if t == target {
			return Decision{Allowed: true}
		}
	}
	if len(targets) == 0 {
		return Decision{Reason: fmt.Sprintf("job is %s, a terminal state", current)}
	}
	return Decision{Reason: fmt.Sprintf("job cannot move from %s to %s", current, target)}
}

// Escrow answers whether escrow may move from current to target.
func Escrow(current, target EscrowStatus) Decision {
	targets, known := escrowTable[current]
	if !known {
		return Decision{Reason: fmt.Sprintf("unknown escrow status %q", current)}
	}
	if current == target {
		return Decision{Reason: fmt.Sprintf("escrow is already %s", current)}
	}
	for _, t := range targets {
		if t == target {
			return Decision{Allowed: true}
		}
	}
	if len(targets) == 0 {
		return Decision{Reason: fmt.Sprintf("escrow is %s, a terminal state", current)}
	}
	return Decision{Reason: fmt.Sprintf("escrow cannot move from %s to %s", current, target)}
}

// JobTerminal reports whether s admits no further transitions.
func JobTerminal(s JobStatus) bool {
	return len(jobTable[s]) == 0
}

// ValidJobStatus reports whether s is a known job status.
func ValidJobStatus(s JobStatus) bool {
	_, ok := jobTable[s]
	return ok
}

// ValidEscrowStatus reports whether s is a known escrow status.
func ValidEscrowStatus(s EscrowStatus) bool {
	_, ok := escrowTable[s]
	return ok
}
