package payout

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

// next is the payout status machine: forward through processing to
// completed, or off to rejected from any non-terminal state.
var next = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRejected},
	StatusProcessing: {StatusCompleted, StatusRejected},
	StatusCompleted:  nil,
	StatusRejected:   nil,
}

func canTransition(from, to Status) bool {
	for _, t := range next[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Request mirrors the payout_requests table.
type Request struct {
	ID            string
	FulfillerID   string
	Amount        float64
	BankName      string
	AccountName   string
	AccountNumber string
	Status        Status
	Notes         *string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BankDetails is the destination for a withdrawal.
type BankDetails struct {
	BankName      string
	AccountName   string
	AccountNumber string
}
