package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songboard/boostledger/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Store on top of a pgx connection pool. The boost
// path runs as a single transaction with row-level locks, so the debit,
// ledger append and score increment are externally observable only together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool against connString and verifies
// connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema files in filename order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		sql, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// CreateAccount creates a new account with 0 balance.
func (s *PostgresStore) CreateAccount(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, "INSERT INTO accounts (balance) VALUES (0) RETURNING id").Scan(&id)
	return id, err
}

// GetAccount retrieves a single account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var account domain.Account
	err := s.pool.QueryRow(ctx,
		"SELECT id, balance, created_at FROM accounts WHERE id = $1", id,
	).Scan(&account.ID, &account.Balance, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// TopUp credits an account. The topups table carries a unique reference per
// external payment, so duplicate delivery of the same confirmation event
// credits the account exactly once.
func (s *PostgresStore) TopUp(ctx context.Context, accountID, amount int64, reference string) (*domain.TopUpResult, error) {
	if reference == "" {
		// No caller-supplied reference: dedup is opted out.
		reference = uuid.NewString()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"INSERT INTO topups (account_id, amount, reference) VALUES ($1, $2, $3) ON CONFLICT (reference) DO NOTHING",
		accountID, amount, reference,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("topup insert failed: %w", err)
	}

	res := &domain.TopUpResult{AccountID: accountID}

	if tag.RowsAffected() == 0 {
		// Reference already applied: replay, no second credit.
		err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&res.Balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAccountNotFound
			}
			return nil, err
		}
	} else {
		err = tx.QueryRow(ctx,
			"UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance",
			amount, accountID,
		).Scan(&res.Balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAccountNotFound
			}
			return nil, fmt.Errorf("credit failed: %w", err)
		}
		res.Applied = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil
}

// CreateRequestIfAbsent inserts a request for the song reference, or returns
// the existing one. ON CONFLICT DO NOTHING makes concurrent creation
// converge on exactly one row.
func (s *PostgresStore) CreateRequestIfAbsent(ctx context.Context, sub domain.SubmitRequest) (*domain.Request, bool, error) {
	req := domain.Request{SongRef: sub.SongRef, Title: sub.Title, Artist: sub.Artist}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO requests (song_ref, title, artist) VALUES ($1, $2, $3)
		 ON CONFLICT (song_ref) DO NOTHING
		 RETURNING id, status, score, created_at`,
		sub.SongRef, sub.Title, sub.Artist,
	).Scan(&req.ID, &req.Status, &req.Score, &req.CreatedAt)
	if err == nil {
		return &req, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("request insert failed: %w", err)
	}

	// Lost the race or the row predates us; either way it exists now.
	existing, err := s.getRequestBySongRef(ctx, sub.SongRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getRequestBySongRef(ctx context.Context, songRef string) (*domain.Request, error) {
	var req domain.Request
	err := s.pool.QueryRow(ctx,
		"SELECT id, song_ref, title, artist, status, score, created_at FROM requests WHERE song_ref = $1",
		songRef,
	).Scan(&req.ID, &req.SongRef, &req.Title, &req.Artist, &req.Status, &req.Score, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// GetRequest retrieves a single request by ID.
func (s *PostgresStore) GetRequest(ctx context.Context, id int64) (*domain.Request, error) {
	var req domain.Request
	err := s.pool.QueryRow(ctx,
		"SELECT id, song_ref, title, artist, status, score, created_at FROM requests WHERE id = $1", id,
	).Scan(&req.ID, &req.SongRef, &req.Title, &req.Artist, &req.Status, &req.Score, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// SetRequestStatus applies a terminal moderation transition. The guard on
// the current status keeps the transition pending-only without a prior read.
func (s *PostgresStore) SetRequestStatus(ctx context.Context, id int64, status domain.RequestStatus) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE requests SET status = $2 WHERE id = $1 AND status = 'pending'",
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM requests WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrRequestNotFound
	}
	return ErrRequestClosed
}

// DeleteRequest removes a request. The boost_entries FK cascades, so the
// ledger rows for the request are invalidated with it.
func (s *PostgresStore) DeleteRequest(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM requests WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("request delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// ListRequests returns the ranking view. The order is recomputed per query;
// id descending keeps the tiebreak deterministic for equal timestamps.
func (s *PostgresStore) ListRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, song_ref, title, artist, status, score, created_at FROM requests ORDER BY score DESC, created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.Request
	for rows.Next() {
		var req domain.Request
		if err := rows.Scan(&req.ID, &req.SongRef, &req.Title, &req.Artist, &req.Status, &req.Score, &req.CreatedAt); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Boost executes the three-way write as one transaction: lock the request,
// lock the account, guard the balance, then append the entry and apply both
// deltas. Lock order is fixed (request before account) to prevent deadlock
// between concurrent boosts.
func (s *PostgresStore) Boost(ctx context.Context, accountID, requestID, amount int64, idempotencyKey string) (*domain.BoostResult, error) {
	// Read committed: a blocked FOR UPDATE re-reads the latest committed row
	// after the lock clears, so concurrent boosts serialize instead of
	// aborting, and the balance guard always sees the current value.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		replay, err := s.findReplay(ctx, tx, idempotencyKey, accountID, requestID, amount)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
	}

	var status domain.RequestStatus
	err = tx.QueryRow(ctx, "SELECT status FROM requests WHERE id = $1 FOR UPDATE", requestID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if status != domain.StatusPending {
		return nil, ErrRequestClosed
	}

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if balance < amount {
		return nil, ErrInsufficientFunds
	}

	res := &domain.BoostResult{
		Entry: domain.BoostEntry{RequestID: requestID, AccountID: accountID, Amount: amount},
	}
	err = tx.QueryRow(ctx,
		"INSERT INTO boost_entries (request_id, account_id, amount, idempotency_key) VALUES ($1, $2, $3, NULLIF($4, '')) RETURNING id, created_at",
		requestID, accountID, amount, idempotencyKey,
	).Scan(&res.Entry.ID, &res.Entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%w: ledger append: %v", ErrTransactionFailed, err)
	}

	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE id = $2 RETURNING balance",
		amount, accountID,
	).Scan(&res.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: debit: %v", ErrTransactionFailed, err)
	}

	err = tx.QueryRow(ctx,
		"UPDATE requests SET score = score + $1 WHERE id = $2 RETURNING score",
		amount, requestID,
	).Scan(&res.Score)
	if err != nil {
		return nil, fmt.Errorf("%w: score increment: %v", ErrTransactionFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}
	return res, nil
}

// findReplay returns the previously committed result for an idempotency key,
// or nil when the key is unseen. A key reused with a different payload is
// rejected rather than replayed.
func (s *PostgresStore) findReplay(ctx context.Context, tx pgx.Tx, key string, accountID, requestID, amount int64) (*domain.BoostResult, error) {
	var entry domain.BoostEntry
	err := tx.QueryRow(ctx,
		"SELECT id, request_id, account_id, amount, created_at FROM boost_entries WHERE idempotency_key = $1",
		key,
	).Scan(&entry.ID, &entry.RequestID, &entry.AccountID, &entry.Amount, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	if entry.AccountID != accountID || entry.RequestID != requestID || entry.Amount != amount {
		return nil, ErrIdempotencyMismatch
	}

	res := &domain.BoostResult{Entry: entry, Replayed: true}
	if err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", entry.AccountID).Scan(&res.Balance); err != nil {
		return nil, err
	}
	if err := tx.QueryRow(ctx, "SELECT score FROM requests WHERE id = $1", entry.RequestID).Scan(&res.Score); err != nil {
		return nil, err
	}
	return res, nil
}

// ListBoostsByRequest retrieves ledger entries for a specific request.
func (s *PostgresStore) ListBoostsByRequest(ctx context.Context, requestID int64) ([]domain.BoostEntry, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM requests WHERE id = $1)", requestID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRequestNotFound
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id, request_id, account_id, amount, created_at FROM boost_entries WHERE request_id = $1 ORDER BY created_at DESC, id DESC",
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.BoostEntry
	for rows.Next() {
		var entry domain.BoostEntry
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.AccountID, &entry.Amount, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
