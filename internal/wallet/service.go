// Package wallet is the single source of truth for coin balances. Every
// balance change goes through TryMutate, which the backing Store applies
// atomically and idempotently per operation token.
package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"coinwallet/internal/common/errs"
	"coinwallet/internal/wallet/domain"
)

// Store persists wallets and ledger entries. Implementations serialize all
// mutations for a user and never expose a half-applied mutation to readers.
type Store interface {
	OpenWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	// ApplyMutation records the entry and moves the balance in one atomic
	// unit. A token that was already applied returns the recorded result
	// with Replayed set.
	ApplyMutation(ctx context.Context, m domain.Mutation) (*domain.MutationResult, error)
	GetEntry(ctx context.Context, operationToken string) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]*domain.LedgerEntry, int64, error)
}

// Service exposes the wallet store operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a wallet service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// OpenWallet creates the user's wallet if it does not exist yet.
func (s *Service) OpenWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "user_id is required")
	}
	w, err := s.store.OpenWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("opening wallet: %w", err)
	}
	return w, nil
}

// GetBalance returns the current balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	if w.Balance < 0 {
		panic(fmt.Sprintf("wallet %s has negative balance %d", userID, w.Balance))
	}
	return w.Balance, nil
}

// TryMutate applies m if its token has not been applied and, for debits, the
// balance stays non-negative. Retrying with the same token is safe.
func (s *Service) TryMutate(ctx context.Context, m domain.Mutation) (*domain.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, err.Error(), err)
	}

	res, err := s.store.ApplyMutation(ctx, m)
	if err != nil {
		return nil, err
	}

	if res.Replayed {
		s.logger.Info("mutation replayed",
			"user_id", m.UserID,
			"operation_token", m.OperationToken,
			"kind", m.Kind,
		)
	} else {
		s.logger.Info("balance mutated",
			"user_id", m.UserID,
			"operation_token", m.OperationToken,
			"kind", m.Kind,
			"delta", m.Delta,
			"balance", res.Balance,
		)
	}

	return res, nil
}

// GetEntry returns the entry recorded under operationToken.
func (s *Service) GetEntry(ctx context.Context, operationToken string) (*domain.LedgerEntry, error) {
	return s.store.GetEntry(ctx, operationToken)
}

// ListEntries returns a page of the user's entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*domain.LedgerEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListEntries(ctx, userID, limit, offset)
}
