package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songboard/boostledger/internal/domain"
)

// MemoryStore is an in-memory implementation of Store. It is safe for
// concurrent use and is primarily intended for tests and local development.
// A single mutex held across each operation gives it the same observable
// atomicity as the postgres transaction.
type MemoryStore struct {
	mu            sync.Mutex
	nextID        int64
	accounts      map[int64]domain.Account
	requests      map[int64]domain.Request
	requestBySong map[string]int64
	entries       map[int64][]domain.BoostEntry
	entryByKey    map[string]domain.BoostEntry
	topupRefs     map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:        1,
		accounts:      make(map[int64]domain.Account),
		requests:      make(map[int64]domain.Request),
		requestBySong: make(map[string]int64),
		entries:       make(map[int64][]domain.BoostEntry),
		entryByKey:    make(map[string]domain.BoostEntry),
		topupRefs:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemoryStore) CreateAccount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocID()
	s.accounts[id] = domain.Account{ID: id, CreatedAt: time.Now()}
	return id, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (s *MemoryStore) TopUp(ctx context.Context, accountID, amount int64, reference string) (*domain.TopUpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	if reference == "" {
		reference = uuid.NewString()
	}
	if _, seen := s.topupRefs[reference]; seen {
		return &domain.TopUpResult{AccountID: accountID, Balance: account.Balance}, nil
	}

	s.topupRefs[reference] = struct{}{}
	account.Balance += amount
	s.accounts[accountID] = account
	return &domain.TopUpResult{AccountID: accountID, Balance: account.Balance, Applied: true}, nil
}

func (s *MemoryStore) CreateRequestIfAbsent(ctx context.Context, sub domain.SubmitRequest) (*domain.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.requestBySong[sub.SongRef]; ok {
		existing := s.requests[id]
		return &existing, false, nil
	}

	req := domain.Request{
		ID:        s.allocID(),
		SongRef:   sub.SongRef,
		Title:     sub.Title,
		Artist:    sub.Artist,
		Status:    domain.StatusPending,
		CreatedAt: time.Now(),
	}
	s.requests[req.ID] = req
	s.requestBySong[sub.SongRef] = req.ID
	return &req, true, nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id int64) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &req, nil
}

func (s *MemoryStore) SetRequestStatus(ctx context.Context, id int64, status domain.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return ErrRequestClosed
	}
	req.Status = status
	s.requests[id] = req
	return nil
}

func (s *MemoryStore) DeleteRequest(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	delete(s.requests, id)
	delete(s.requestBySong, req.SongRef)
	delete(s.entries, id)
	for key, entry := range s.entryByKey {
		if entry.RequestID == id {
			delete(s.entryByKey, key)
		}
	}
	return nil
}

func (s *MemoryStore) ListRequests(ctx context.Context) ([]domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests := make([]domain.Request, 0, len(s.requests))
	for _, req := range s.requests {
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].Score != requests[j].Score {
			return requests[i].Score > requests[j].Score
		}
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		}
		return requests[i].ID > requests[j].ID
	})
	return requests, nil
}

func (s *MemoryStore) Boost(ctx context.Context, accountID, requestID, amount int64, idempotencyKey string) (*domain.BoostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if entry, seen := s.entryByKey[idempotencyKey]; seen {
			if entry.AccountID != accountID || entry.RequestID != requestID || entry.Amount != amount {
				return nil, ErrIdempotencyMismatch
			}
			return &domain.BoostResult{
				Entry:    entry,
				Balance:  s.accounts[entry.AccountID].Balance,
				Score:    s.requests[entry.RequestID].Score,
				Replayed: true,
			}, nil
		}
	}

	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return nil, ErrRequestClosed
	}

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	entry := domain.BoostEntry{
		ID:        s.allocID(),
		RequestID: requestID,
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	s.entries[requestID] = append(s.entries[requestID], entry)
	if idempotencyKey != "" {
		s.entryByKey[idempotencyKey] = entry
	}

	account.Balance -= amount
	s.accounts[accountID] = account
	req.Score += amount
	s.requests[requestID] = req

	return &domain.BoostResult{Entry: entry, Balance: account.Balance, Score: req.Score}, nil
}

func (s *MemoryStore) ListBoostsByRequest(ctx context.Context, requestID int64) ([]domain.BoostEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[requestID]; !ok {
		return nil, ErrRequestNotFound
	}

	stored := s.entries[requestID]
	entries := make([]domain.BoostEntry, len(stored))
	copy(entries, stored)
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}
