package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/songboard/boostledger/internal/domain"
	"github.com/songboard/boostledger/internal/store"
)

var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidSongRef = errors.New("song reference is required")
	ErrInvalidStatus  = errors.New("status must be approved or rejected")
)

// BoostService is the transaction coordinator. It validates every command
// before handing it to the store, whose Boost implementation commits the
// debit, ledger append and score increment as one unit.
type BoostService struct {
	store  store.Store
	logger *slog.Logger
}

func NewBoostService(s store.Store, logger *slog.Logger) *BoostService {
	return &BoostService{store: s, logger: logger}
}

// Boost spends credits from an account on a pending request. The amount is
// re-validated here even though callers are trusted to present valid values.
func (s *BoostService) Boost(ctx context.Context, req domain.BoostRequest, idempotencyKey string) (*domain.BoostResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res, err := s.store.Boost(ctx, req.AccountID, req.RequestID, req.Amount, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrTransactionFailed) {
			// The all-or-nothing guarantee could not be met. The store rolled
			// back; surface it loudly rather than quietly degrading.
			s.logger.Error("boost transaction failed",
				"account_id", req.AccountID,
				"request_id", req.RequestID,
				"amount", req.Amount,
				"error", err)
		}
		return nil, err
	}

	if res.Replayed {
		s.logger.Info("boost replayed",
			"idempotency_key", idempotencyKey,
			"entry_id", res.Entry.ID)
		return res, nil
	}

	s.logger.Info("boost applied",
		"account_id", req.AccountID,
		"request_id", req.RequestID,
		"amount", req.Amount,
		"balance", res.Balance,
		"score", res.Score)
	return res, nil
}

// TopUp credits an account after an external payment has been confirmed.
func (s *BoostService) TopUp(ctx context.Context, accountID int64, req domain.TopUpRequest) (*domain.TopUpResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res, err := s.store.TopUp(ctx, accountID, req.Amount, strings.TrimSpace(req.Reference))
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		s.logger.Info("duplicate topup ignored", "account_id", accountID, "reference", req.Reference)
	}
	return res, nil
}

// Submit records a song request, reusing the live request when one already
// exists for the same song reference.
func (s *BoostService) Submit(ctx context.Context, sub domain.SubmitRequest) (*domain.Request, bool, error) {
	sub.SongRef = strings.TrimSpace(sub.SongRef)
	if sub.SongRef == "" {
		return nil, false, ErrInvalidSongRef
	}
	return s.store.CreateRequestIfAbsent(ctx, sub)
}

// Moderate applies a terminal status transition to a pending request.
func (s *BoostService) Moderate(ctx context.Context, requestID int64, status domain.RequestStatus) error {
	if status != domain.StatusApproved && status != domain.StatusRejected {
		return ErrInvalidStatus
	}
	if err := s.store.SetRequestStatus(ctx, requestID, status); err != nil {
		return err
	}
	s.logger.Info("request moderated", "request_id", requestID, "status", status)
	return nil
}

// Remove deletes a request administratively, cascading its ledger entries.
func (s *BoostService) Remove(ctx context.Context, requestID int64) error {
	if err := s.store.DeleteRequest(ctx, requestID); err != nil {
		return err
	}
	s.logger.Info("request deleted", "request_id", requestID)
	return nil
}

// Rankings returns the current ordering of requests by score.
func (s *BoostService) Rankings(ctx context.Context) ([]domain.Request, error) {
	return s.store.ListRequests(ctx)
}

// Contributors returns the boost entries for a request, newest first.
func (s *BoostService) Contributors(ctx context.Context, requestID int64) ([]domain.BoostEntry, error) {
	return s.store.ListBoostsByRequest(ctx, requestID)
}

// CreateAccount registers a new account with a zero balance.
func (s *BoostService) CreateAccount(ctx context.Context) (int64, error) {
	return s.store.CreateAccount(ctx)
}

// GetAccount retrieves an account.
func (s *BoostService) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetRequest retrieves a request.
func (s *BoostService) GetRequest(ctx context.Context, id int64) (*domain.Request, error) {
	return s.store.GetRequest(ctx, id)
}
