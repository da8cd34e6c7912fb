package quote

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// MinMessageLen is the minimum length of the pitch message on a quote.
const MinMessageLen = 20

// Quote mirrors the quotes table. At most one quote exists per
// (job, fulfiller) pair and at most one accepted quote per job; both are
// backed by unique indexes.
type Quote struct {
	ID          string
	JobID       string
	FulfillerID string
	Amount      float64
	Timeline    string
	Message     string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubmitParams are the caller-supplied fields for a new quote.
type SubmitParams struct {
	JobID    string
	Amount   float64
	Timeline string
	Message  string
}
