// Package domain contains the wallet and ledger entry types shared by the
// wallet store backends and the services built on top of them.
package domain

import "time"

// Wallet holds a user's coin balance and spending password state.
type Wallet struct {
	UserID         string     `json:"user_id"`
	Balance        int64      `json:"balance"`
	PasswordHash   []byte     `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewWallet returns an empty wallet with no password.
func NewWallet(userID string, now time.Time) *Wallet {
	return &Wallet{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasPassword reports whether a spending password is configured.
func (w *Wallet) HasPassword() bool {
	return len(w.PasswordHash) > 0
}

// LockState is the state of the spending password lockout.
type LockState string

const (
	LockStateUnlocked LockState = "unlocked"
	LockStateLocked   LockState = "locked"
)

// LockState returns the lockout state at now. An elapsed lock reads as
// unlocked even before the stored fields are cleared.
func (w *Wallet) LockState(now time.Time) LockState {
	if w.LockedUntil != nil && now.Before(*w.LockedUntil) {
		return LockStateLocked
	}
	return LockStateUnlocked
}

// EffectiveFailedAttempts is the failure count that applies at now: zero once
// a lock has elapsed.
func (w *Wallet) EffectiveFailedAttempts(now time.Time) int {
	if w.LockedUntil != nil && !now.Before(*w.LockedUntil) {
		return 0
	}
	return w.FailedAttempts
}

// PasswordFailure records the outcome of a failed verification.
type PasswordFailure struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Locked reports whether this failure put the wallet into lockout.
func (f PasswordFailure) Locked(now time.Time) bool {
	return f.LockedUntil != nil && now.Before(*f.LockedUntil)
}

// ApplyPasswordFailure counts one failed attempt at now, locking the wallet
// until now+lockFor once maxAttempts is reached. Both store backends share
// this rule; the Postgres backend expresses the same logic in SQL.
func (w *Wallet) ApplyPasswordFailure(now time.Time, maxAttempts int, lockFor time.Duration) PasswordFailure {
	attempts := w.EffectiveFailedAttempts(now) + 1
	if w.LockedUntil != nil && !now.Before(*w.LockedUntil) {
		w.LockedUntil = nil
	}
	if attempts >= maxAttempts {
		until := now.Add(lockFor)
		w.LockedUntil = &until
	}
	w.FailedAttempts = attempts
	w.UpdatedAt = now
	return PasswordFailure{FailedAttempts: attempts, LockedUntil: w.LockedUntil}
}

// ResetPasswordFailures clears the failure counter and any lock.
func (w *Wallet) ResetPasswordFailures(now time.Time) {
	w.FailedAttempts = 0
	w.LockedUntil = nil
	w.UpdatedAt = now
}
