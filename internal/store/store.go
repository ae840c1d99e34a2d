package store

import (
	"context"
	"errors"

	"github.com/songboard/boostledger/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrRequestNotFound   = errors.New("request not found")
	ErrRequestClosed     = errors.New("request is no longer pending")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict is returned when a concurrent duplicate of the same
	// idempotency key is detected mid-transaction.
	ErrConflict = errors.New("request in progress")
	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different account, request or amount than the boost it
	// originally committed.
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	// ErrTransactionFailed wraps infrastructure failures during the atomic
	// boost write. The transaction is rolled back; nothing is committed.
	ErrTransactionFailed = errors.New("transaction failed")
)

// Store is the persistence boundary of the boosting engine. The postgres
// implementation backs production; the in-memory implementation backs tests
// and local development. Boost and TopUp are the only mutators of balances
// and scores; neither is exposed as an open-ended update.
type Store interface {
	// CreateAccount inserts a new account with a zero balance.
	CreateAccount(ctx context.Context) (int64, error)
	// GetAccount retrieves a single account by ID.
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	// TopUp unconditionally credits an account. A reference that was already
	// applied is a no-op replay: the current balance is returned with
	// Applied set to false.
	TopUp(ctx context.Context, accountID, amount int64, reference string) (*domain.TopUpResult, error)

	// CreateRequestIfAbsent inserts a request for songRef, or returns the
	// existing live request when one exists. Concurrent creators for the
	// same songRef converge on a single row and all observe the same ID.
	CreateRequestIfAbsent(ctx context.Context, sub domain.SubmitRequest) (*domain.Request, bool, error)
	// GetRequest retrieves a single request by ID.
	GetRequest(ctx context.Context, id int64) (*domain.Request, error)
	// SetRequestStatus applies a terminal moderation transition. Only
	// pending requests can transition; anything else is ErrRequestClosed.
	SetRequestStatus(ctx context.Context, id int64, status domain.RequestStatus) error
	// DeleteRequest removes a request and cascades its boost entries.
	DeleteRequest(ctx context.Context, id int64) error
	// ListRequests returns the ranking view: score descending, ties broken
	// by newest created first. Recomputed on every call, never cached.
	ListRequests(ctx context.Context) ([]domain.Request, error)

	// Boost atomically debits the account, appends a ledger entry and
	// increments the request score. Either all three writes commit or none
	// are observable. A non-empty idempotencyKey that matches a committed
	// entry yields a replay instead of a second debit.
	Boost(ctx context.Context, accountID, requestID, amount int64, idempotencyKey string) (*domain.BoostResult, error)
	// ListBoostsByRequest returns the committed entries for a request,
	// newest first.
	ListBoostsByRequest(ctx context.Context, requestID int64) ([]domain.BoostEntry, error)
}
