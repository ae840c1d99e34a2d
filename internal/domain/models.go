package domain

import "time"

// RequestStatus is the moderation state of a song request. Boosts are
// accepted only while the request is pending; both transitions out of
// pending are terminal.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Account holds a user's spendable credit balance. Balance never goes
// negative, including mid-transaction.
type Account struct {
	ID        int64     `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is the boostable entity for one song. Score is the sum of all
// boost amounts ever applied to it and is monotonically non-decreasing.
// Exactly one live Request exists per distinct song reference.
type Request struct {
	ID        int64         `json:"id"`
	SongRef   string        `json:"song_ref"`
	Title     string        `json:"title"`
	Artist    string        `json:"artist"`
	Status    RequestStatus `json:"status"`
	Score     int64         `json:"score"`
	CreatedAt time.Time     `json:"created_at"`
}

// BoostEntry is one committed boost event. Entries are append-only: never
// updated or deleted once committed.
type BoostEntry struct {
	ID        int64     `json:"id"`
	RequestID int64     `json:"request_id"`
	AccountID int64     `json:"account_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// BoostRequest is the DTO for an incoming boost command.
type BoostRequest struct {
	AccountID int64 `json:"account_id"`
	RequestID int64 `json:"request_id"`
	Amount    int64 `json:"amount"`
}

// BoostResult is the canonical outcome of a committed (or replayed) boost.
type BoostResult struct {
	Entry   BoostEntry `json:"entry"`
	Balance int64      `json:"balance"`
	Score   int64      `json:"score"`
	// Replayed marks an idempotent replay of a previously committed boost.
	Replayed bool `json:"-"`
}

// TopUpRequest is the DTO for a credit top-up delivered by the payment
// collaborator. Reference is the external payment id used for duplicate
// detection.
type TopUpRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// TopUpResult reports the balance after a top-up. Applied is false when the
// reference had already been seen and the credit was not applied again.
type TopUpResult struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
	Applied   bool  `json:"applied"`
}

// SubmitRequest is the DTO for a new song request submission.
type SubmitRequest struct {
	SongRef string `json:"song_ref"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}
