// Package store holds the wallet store backends: Postgres for production and
// an in-memory implementation for tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"coinwallet/internal/common/database"
	"coinwallet/internal/common/errs"
	"coinwallet/internal/wallet/domain"
)

// Postgres is the wallet store backed by PostgreSQL. Mutations lock the
// wallet row, which serializes them per user.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres wallet store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const walletColumns = `user_id, balance, password_hash, failed_attempts, locked_until, created_at, updated_at`

const entryColumns = `operation_token, user_id, amount, kind, status, reason, reverses,
	balance_after, created_at, reversed_at`

// OpenWallet creates the wallet if missing and returns it.
func (s *Postgres) OpenWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (user_id, balance, failed_attempts, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("inserting wallet: %w", err)
	}
	return s.GetWallet(ctx, userID)
}

// GetWallet returns the wallet row.
func (s *Postgres) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

// ApplyMutation implements wallet.Store.
func (s *Postgres) ApplyMutation(ctx context.Context, m domain.Mutation) (*domain.MutationResult, error) {
	var result *domain.MutationResult

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, m.UserID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrWalletNotFound
			}
			return fmt.Errorf("locking wallet: %w", err)
		}

		existing, err := getEntry(ctx, tx, m.OperationToken, false)
		switch {
		case err == nil:
			if !m.Matches(existing) {
				return errs.ErrIdempotencyConflict
			}
			result = &domain.MutationResult{Entry: existing, Balance: existing.BalanceAfter, Replayed: true}
			return nil
		case !errors.Is(err, errs.ErrEntryNotFound):
			return err
		}

		now := time.Now().UTC()

		if m.Reverses != "" {
			original, err := getEntry(ctx, tx, m.Reverses, true)
			if err != nil {
				return err
			}
			if err := checkReversible(original, m); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE ledger_entries SET status = $2, reversed_at = $3
				WHERE operation_token = $1
			`, m.Reverses, domain.EntryStatusReversed, now); err != nil {
				return fmt.Errorf("reversing entry: %w", err)
			}
		}

		newBalance := balance + m.Delta
		if newBalance < 0 {
			return errs.ErrInsufficientFunds
		}

		entry := m.NewEntry(newBalance, now)
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			entry.OperationToken,
			entry.UserID,
			entry.Amount,
			entry.Kind,
			entry.Status,
			entry.Reason,
			nullString(entry.Reverses),
			entry.BalanceAfter,
			entry.CreatedAt,
			entry.ReversedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errs.ErrIdempotencyConflict
			}
			return fmt.Errorf("inserting entry: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = $2, updated_at = $3 WHERE user_id = $1
		`, m.UserID, newBalance, now); err != nil {
			return fmt.Errorf("updating balance: %w", err)
		}

		result = &domain.MutationResult{Entry: entry, Balance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetEntry returns the entry recorded under operationToken.
func (s *Postgres) GetEntry(ctx context.Context, operationToken string) (*domain.LedgerEntry, error) {
	return getEntry(ctx, s.db, operationToken, false)
}

// ListEntries returns the user's entries newest first.
func (s *Postgres) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*domain.LedgerEntry, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, operation_token
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.LedgerEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, total, nil
}

// SetPasswordHash stores a new password hash, opening the wallet if needed,
// and clears any failure state.
func (s *Postgres) SetPasswordHash(ctx context.Context, userID string, hash []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (user_id, balance, password_hash, failed_attempts, created_at, updated_at)
		VALUES ($1, 0, $2, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = NOW()
	`, userID, string(hash))
	if err != nil {
		return fmt.Errorf("setting password hash: %w", err)
	}
	return nil
}

// RecordPasswordFailure counts a failed verification in one statement so that
// concurrent wrong guesses cannot skip the counter. An elapsed lock restarts
// the count at one; reaching maxAttempts locks until now+lockFor. Nothing is
// counted while the wallet is locked.
func (s *Postgres) RecordPasswordFailure(ctx context.Context, userID string, now time.Time, maxAttempts int, lockFor time.Duration) (domain.PasswordFailure, error) {
	var f domain.PasswordFailure
	err := s.db.QueryRow(ctx, `
		UPDATE wallets SET
			failed_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
				ELSE failed_attempts + 1
			END,
			locked_until = CASE
				WHEN (CASE
					WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
					ELSE failed_attempts + 1
				END) >= $3 THEN $4::timestamptz
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
				ELSE locked_until
			END,
			updated_at = $2
		WHERE user_id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING failed_attempts, locked_until
	`, userID, now, maxAttempts, now.Add(lockFor)).Scan(&f.FailedAttempts, &f.LockedUntil)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return f, fmt.Errorf("recording password failure: %w", err)
	}

	if _, err := s.GetWallet(ctx, userID); err != nil {
		return f, err
	}
	return f, errs.ErrPasswordLocked
}

// ResetPasswordFailures clears the failure counter after a successful verification.
func (s *Postgres) ResetPasswordFailures(ctx context.Context, userID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE wallets SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE user_id = $1
	`, userID, now)
	if err != nil {
		return fmt.Errorf("resetting password failures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrWalletNotFound
	}
	return nil
}

func getEntry(ctx context.Context, q database.Querier, token string, forUpdate bool) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE operation_token = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanEntry(q.QueryRow(ctx, query, token))
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	var hash *string
	err := row.Scan(
		&w.UserID, &w.Balance, &hash, &w.FailedAttempts, &w.LockedUntil,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrWalletNotFound
		}
		return nil, fmt.Errorf("scanning wallet: %w", err)
	}
	if hash != nil {
		w.PasswordHash = []byte(*hash)
	}
	return &w, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var reverses *string
	err := row.Scan(
		&e.OperationToken, &e.UserID, &e.Amount, &e.Kind, &e.Status, &e.Reason, &reverses,
		&e.BalanceAfter, &e.CreatedAt, &e.ReversedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrEntryNotFound
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	if reverses != nil {
		e.Reverses = *reverses
	}
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
