// Package store persists order submissions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"coinwallet/internal/checkout/domain"
	"coinwallet/internal/common/database"
)

// Postgres stores submissions in the order_submissions table.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres submission store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const submissionColumns = `token, user_id, service_id, provider_id, quantity, unit_price,
	total_amount, state, order_id, order_no, error_code, created_at, updated_at`

// Create inserts sub. An existing row with the same token is left as is.
func (s *Postgres) Create(ctx context.Context, sub *domain.Submission) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (token) DO NOTHING
	`,
		sub.Token,
		sub.UserID,
		sub.ServiceID,
		sub.ProviderID,
		sub.Quantity,
		sub.UnitPrice,
		sub.TotalAmount,
		sub.State,
		sub.OrderID,
		sub.OrderNo,
		sub.ErrorCode,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

// Get returns the submission stored under token.
func (s *Postgres) Get(ctx context.Context, token string) (*domain.Submission, error) {
	row := s.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM order_submissions WHERE token = $1`, token)
	return scanSubmission(row)
}

// Update writes sub if the stored state is still from.
func (s *Postgres) Update(ctx context.Context, sub *domain.Submission, from domain.State) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_submissions SET
			state = $3,
			order_id = $4,
			order_no = $5,
			error_code = $6,
			updated_at = $7
		WHERE token = $1 AND state = $2
	`, sub.Token, from, sub.State, sub.OrderID, sub.OrderNo, sub.ErrorCode, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, sub.Token); err != nil {
			return err
		}
		return domain.ErrStateConflict
	}
	return nil
}

// ListStale returns up to limit submissions in state last updated before before.
func (s *Postgres) ListStale(ctx context.Context, state domain.State, before time.Time, limit int) ([]*domain.Submission, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+submissionColumns+`
		FROM order_submissions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, state, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale submissions: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating submissions: %w", err)
	}
	return subs, nil
}

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var sub domain.Submission
	err := row.Scan(
		&sub.Token, &sub.UserID, &sub.ServiceID, &sub.ProviderID, &sub.Quantity, &sub.UnitPrice,
		&sub.TotalAmount, &sub.State, &sub.OrderID, &sub.OrderNo, &sub.ErrorCode,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning submission: %w", err)
	}
	return &sub, nil
}
