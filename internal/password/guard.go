// Package password guards spending with a per-wallet password. Repeated wrong
// guesses lock the wallet for a fixed period; the lock lifts on its own.
package password

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/middleware"
	"coinwallet/internal/wallet/domain"
)

const (
	minPasswordLength = 6
	// bcrypt ignores input past 72 bytes
	maxPasswordLength = 72
)

// Options configures lockout behaviour
type Options struct {
	MaxAttempts  int           `envconfig:"PASSWORD_MAX_ATTEMPTS" default:"3"`
	LockDuration time.Duration `envconfig:"PASSWORD_LOCK_DURATION" default:"30m"`
	HashCost     int           `envconfig:"PASSWORD_HASH_COST" default:"10"`
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, LockDuration: 30 * time.Minute, HashCost: bcrypt.DefaultCost}
}

// Store is the slice of the wallet store the guard needs
type Store interface {
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	SetPasswordHash(ctx context.Context, userID string, hash []byte) error
	RecordPasswordFailure(ctx context.Context, userID string, now time.Time, maxAttempts int, lockFor time.Duration) (domain.PasswordFailure, error)
	ResetPasswordFailures(ctx context.Context, userID string, now time.Time) error
}

// Status describes a wallet's password state
type Status struct {
	HasPassword    bool             `json:"has_password"`
	State          domain.LockState `json:"state"`
	FailedAttempts int              `json:"failed_attempts"`
	LockedUntil    *time.Time       `json:"locked_until,omitempty"`
}

// Guard verifies spending passwords
type Guard struct {
	store     Store
	publisher events.Publisher
	opts      Options
	now       func() time.Time
	logger    *slog.Logger
}

// NewGuard creates a password guard
func NewGuard(store Store, publisher events.Publisher, opts Options, logger *slog.Logger) *Guard {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Minute
	}
	if opts.HashCost < bcrypt.MinCost || opts.HashCost > bcrypt.MaxCost {
		opts.HashCost = bcrypt.DefaultCost
	}
	return &Guard{
		store:     store,
		publisher: publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Verify checks plaintext against the stored hash. A wrong guess is counted
// and may lock the wallet; guesses made while locked are rejected uncounted.
func (g *Guard) Verify(ctx context.Context, userID, plaintext string) error {
	now := g.now()

	w, err := g.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return errs.ErrPasswordNotConfigured
		}
		return fmt.Errorf("loading wallet: %w", err)
	}
	if !w.HasPassword() {
		return errs.ErrPasswordNotConfigured
	}
	if w.LockState(now) == domain.LockStateLocked {
		return errs.ErrPasswordLocked
	}

	err = bcrypt.CompareHashAndPassword(w.PasswordHash, []byte(plaintext))
	switch {
	case err == nil:
		if w.FailedAttempts > 0 || w.LockedUntil != nil {
			if err := g.store.ResetPasswordFailures(ctx, userID, now); err != nil {
				return fmt.Errorf("resetting password failures: %w", err)
			}
		}
		return nil
	case !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return fmt.Errorf("comparing password: %w", err)
	}

	failure, err := g.store.RecordPasswordFailure(ctx, userID, now, g.opts.MaxAttempts, g.opts.LockDuration)
	if err != nil {
		// a concurrent guess locked the wallet first
		if errors.Is(err, errs.ErrPasswordLocked) {
			return errs.ErrPasswordLocked
		}
		return fmt.Errorf("recording password failure: %w", err)
	}

	g.logger.Warn("spending password mismatch",
		"user_id", userID,
		"failed_attempts", failure.FailedAttempts,
	)

	if failure.Locked(now) {
		g.logger.Warn("spending password locked",
			"user_id", userID,
			"locked_until", failure.LockedUntil,
		)
		g.publishLocked(ctx, userID, failure)
	}

	return errs.ErrPasswordMismatch
}

// HasPassword reports whether the user configured a spending password
func (g *Guard) HasPassword(ctx context.Context, userID string) (bool, error) {
	w, err := g.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return false, nil
		}
		return false, err
	}
	return w.HasPassword(), nil
}

// SetPassword sets or changes the spending password. Changing an existing
// password requires the current one, which goes through Verify and so counts
// towards the lockout.
func (g *Guard) SetPassword(ctx context.Context, userID, newPassword, currentPassword string) error {
	if len(newPassword) < minPasswordLength {
		return errs.Newf(errs.CodeInvalidArgument, "password must be at least %d characters", minPasswordLength)
	}
	if len(newPassword) > maxPasswordLength {
		return errs.Newf(errs.CodeInvalidArgument, "password must be at most %d bytes", maxPasswordLength)
	}

	has, err := g.HasPassword(ctx, userID)
	if err != nil {
		return err
	}
	if has {
		if err := g.Verify(ctx, userID, currentPassword); err != nil {
			return err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), g.opts.HashCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := g.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}

	g.logger.Info("spending password set", "user_id", userID, "changed", has)
	return nil
}

// Status returns the password state at the current time
func (g *Guard) Status(ctx context.Context, userID string) (*Status, error) {
	now := g.now()

	w, err := g.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return &Status{State: domain.LockStateUnlocked}, nil
		}
		return nil, err
	}

	st := &Status{
		HasPassword:    w.HasPassword(),
		State:          w.LockState(now),
		FailedAttempts: w.EffectiveFailedAttempts(now),
	}
	if st.State == domain.LockStateLocked {
		st.LockedUntil = w.LockedUntil
	}
	return st, nil
}

func (g *Guard) publishLocked(ctx context.Context, userID string, f domain.PasswordFailure) {
	event, err := events.NewEvent(events.EventPasswordLocked, events.AggregateWallet, userID, events.PasswordLockedData{
		UserID:         userID,
		FailedAttempts: f.FailedAttempts,
		LockedUntil:    *f.LockedUntil,
	})
	if err != nil {
		g.logger.Error("failed to build lock event", "error", err, "user_id", userID)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.Error("failed to publish lock event", "error", err, "user_id", userID)
	}
}
