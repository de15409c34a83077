package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"coinwallet/internal/common/errs"
	"coinwallet/internal/wallet/domain"
)

// Memory is an in-process wallet store. A single RW lock makes every mutation
// atomic; readers observe either the state before or after a mutation.
type Memory struct {
	mu      sync.RWMutex
	wallets map[string]*domain.Wallet
	entries map[string]*domain.LedgerEntry
	byUser  map[string][]string
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[string]*domain.Wallet),
		entries: make(map[string]*domain.LedgerEntry),
		byUser:  make(map[string][]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenWallet creates the wallet if missing and returns it.
func (s *Memory) OpenWallet(_ context.Context, userID string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		w = domain.NewWallet(userID, s.now())
		s.wallets[userID] = w
	}
	return copyWallet(w), nil
}

// GetWallet returns a snapshot of the wallet.
func (s *Memory) GetWallet(_ context.Context, userID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}
	return copyWallet(w), nil
}

// ApplyMutation implements wallet.Store.
func (s *Memory) ApplyMutation(_ context.Context, m domain.Mutation) (*domain.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[m.UserID]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}

	if existing, ok := s.entries[m.OperationToken]; ok {
		if !m.Matches(existing) {
			return nil, errs.ErrIdempotencyConflict
		}
		return &domain.MutationResult{Entry: copyEntry(existing), Balance: existing.BalanceAfter, Replayed: true}, nil
	}

	var original *domain.LedgerEntry
	if m.Reverses != "" {
		original, ok = s.entries[m.Reverses]
		if !ok {
			return nil, errs.ErrEntryNotFound
		}
		if err := checkReversible(original, m); err != nil {
			return nil, err
		}
	}

	balance := w.Balance + m.Delta
	if balance < 0 {
		return nil, errs.ErrInsufficientFunds
	}

	now := s.now()
	if original != nil {
		if err := original.MarkReversed(now); err != nil {
			return nil, errs.ErrAlreadyReversed
		}
	}

	entry := m.NewEntry(balance, now)
	s.entries[entry.OperationToken] = entry
	s.byUser[m.UserID] = append(s.byUser[m.UserID], entry.OperationToken)
	w.Balance = balance
	w.UpdatedAt = now

	return &domain.MutationResult{Entry: copyEntry(entry), Balance: balance}, nil
}

// GetEntry returns the entry recorded under operationToken.
func (s *Memory) GetEntry(_ context.Context, operationToken string) (*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[operationToken]
	if !ok {
		return nil, errs.ErrEntryNotFound
	}
	return copyEntry(e), nil
}

// ListEntries returns the user's entries newest first.
func (s *Memory) ListEntries(_ context.Context, userID string, limit, offset int) ([]*domain.LedgerEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := s.byUser[userID]
	total := int64(len(tokens))

	all := make([]*domain.LedgerEntry, 0, len(tokens))
	for i := len(tokens) - 1; i >= 0; i-- {
		all = append(all, copyEntry(s.entries[tokens[i]]))
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return []*domain.LedgerEntry{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// SetPasswordHash stores a new password hash and clears failures. The wallet
// is opened if needed.
func (s *Memory) SetPasswordHash(_ context.Context, userID string, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.wallets[userID]
	if !ok {
		w = domain.NewWallet(userID, now)
		s.wallets[userID] = w
	}
	w.PasswordHash = append([]byte(nil), hash...)
	w.ResetPasswordFailures(now)
	return nil
}

// RecordPasswordFailure counts a failed verification. It refuses to count
// while the wallet is locked.
func (s *Memory) RecordPasswordFailure(_ context.Context, userID string, now time.Time, maxAttempts int, lockFor time.Duration) (domain.PasswordFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return domain.PasswordFailure{}, errs.ErrWalletNotFound
	}
	if w.LockState(now) == domain.LockStateLocked {
		return domain.PasswordFailure{}, errs.ErrPasswordLocked
	}
	return w.ApplyPasswordFailure(now, maxAttempts, lockFor), nil
}

// ResetPasswordFailures clears the failure counter after a successful verification.
func (s *Memory) ResetPasswordFailures(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return errs.ErrWalletNotFound
	}
	w.ResetPasswordFailures(now)
	return nil
}

func checkReversible(original *domain.LedgerEntry, m domain.Mutation) error {
	if original.Kind != domain.EntryKindCharge {
		return errs.Newf(errs.CodeInvalidArgument, "%s entries cannot be refunded", original.Kind)
	}
	if original.UserID != m.UserID || -original.Amount != m.Delta {
		return errs.ErrIdempotencyConflict
	}
	if original.Status != domain.EntryStatusApplied {
		return errs.ErrAlreadyReversed
	}
	return nil
}

func copyWallet(w *domain.Wallet) *domain.Wallet {
	c := *w
	c.PasswordHash = append([]byte(nil), w.PasswordHash...)
	if w.LockedUntil != nil {
		t := *w.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	if e.ReversedAt != nil {
		t := *e.ReversedAt
		c.ReversedAt = &t
	}
	return &c
}
