package job

import (
	"time"

	"escrowflow/transition"
)

// EvidenceCap is the maximum number of evidence references per phase.
const EvidenceCap = 3

// Job mirrors the jobs table. ProviderID stays nil until a quote is accepted;
// the row is never deleted, terminal statuses are the only end states.
type Job struct {
	ID             string
	RequesterID    string
	ProviderID     *string
	Category       string
	Description    string
	Budget         float64
	Status         transition.JobStatus
	EscrowStatus   transition.EscrowStatus
	RiskScore      int
	ScheduledAt    time.Time
	BeforeEvidence []string
	AfterEvidence  []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Provider returns the assigned fulfiller id or the empty string.
func (j Job) Provider() string {
	if j.ProviderID == nil {
		return ""
	}
	return *j.ProviderID
}

// IsParticipant reports whether userID is the requester or assigned fulfiller.
func (j Job) IsParticipant(userID string) bool {
	return userID == j.RequesterID || userID == j.Provider()
}

// CreateParams are the caller-supplied fields for a new job.
type CreateParams struct {
	Category    string
	Description string
	Budget      float64
	ScheduledAt time.Time
}
