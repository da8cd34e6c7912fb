package dispute

import "time"

type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

// EscrowAction is the forced resolution attached to a resolved dispute.
type EscrowAction string

const (
	ActionRelease EscrowAction = "release"
	ActionRefund  EscrowAction = "refund"
)

const (
	// MinReasonLen is the minimum length of a dispute reason.
	MinReasonLen = 20
	// EvidenceCap is the maximum number of evidence references on a dispute.
	EvidenceCap = 5
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID              string
	JobID           string
	RaisedBy        string
	Reason          string
	Evidence        []string
	Status          Status
	ResolutionNotes *string
	ResolvedBy      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// ResolveParams carries an admin's resolution update.
type ResolveParams struct {
	DisputeID    string
	Status       Status
	Notes        string
	EscrowAction *EscrowAction
}
