package domain

import (
	"errors"
	"fmt"
	"time"
)

// EntryKind is the kind of balance mutation an entry records.
type EntryKind string

const (
	EntryKindCharge  EntryKind = "charge"
	EntryKindRefund  EntryKind = "refund"
	EntryKindDeposit EntryKind = "deposit"
)

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindCharge, EntryKindRefund, EntryKindDeposit:
		return true
	}
	return false
}

// IsDebit reports whether entries of this kind take coins out of the wallet.
func (k EntryKind) IsDebit() bool {
	return k == EntryKindCharge
}

// EntryStatus is the status of a ledger entry.
type EntryStatus string

const (
	EntryStatusApplied  EntryStatus = "applied"
	EntryStatusReversed EntryStatus = "reversed"
)

// RefundTokenPrefix prefixes the operation token of a refund entry.
const RefundTokenPrefix = "refund:"

// RefundToken derives the operation token of the refund of originalToken.
// Deriving it keeps repeated refunds of the same charge idempotent.
func RefundToken(originalToken string) string {
	return RefundTokenPrefix + originalToken
}

// LedgerEntry is an immutable record of one balance mutation.
type LedgerEntry struct {
	OperationToken string      `json:"operation_token"`
	UserID         string      `json:"user_id"`
	Amount         int64       `json:"amount"`
	Kind           EntryKind   `json:"kind"`
	Status         EntryStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	Reverses       string      `json:"reverses,omitempty"`
	BalanceAfter   int64       `json:"balance_after"`
	CreatedAt      time.Time   `json:"created_at"`
	ReversedAt     *time.Time  `json:"reversed_at,omitempty"`
}

// IsApplied reports whether the entry still counts towards the balance
// without having been compensated.
func (e *LedgerEntry) IsApplied() bool {
	return e.Status == EntryStatusApplied
}

// MarkReversed flags a charge as compensated by a refund.
func (e *LedgerEntry) MarkReversed(at time.Time) error {
	if e.Kind != EntryKindCharge {
		return fmt.Errorf("cannot reverse %s entry", e.Kind)
	}
	if e.Status != EntryStatusApplied {
		return errors.New("entry already reversed")
	}
	e.Status = EntryStatusReversed
	e.ReversedAt = &at
	return nil
}

// Mutation is a request to change a wallet balance.
type Mutation struct {
	UserID         string
	Delta          int64
	OperationToken string
	Kind           EntryKind
	Reason         string
	// Reverses names the charge a refund compensates.
	Reverses string
}

// Validate checks the mutation shape. Balance checks happen in the store.
func (m Mutation) Validate() error {
	if m.UserID == "" {
		return errors.New("user_id is required")
	}
	if m.OperationToken == "" {
		return errors.New("operation_token is required")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown entry kind %q", m.Kind)
	}
	if m.Delta == 0 {
		return errors.New("delta must be non-zero")
	}
	if m.Kind.IsDebit() != (m.Delta < 0) {
		return fmt.Errorf("delta sign does not match %s", m.Kind)
	}
	if (m.Kind == EntryKindRefund) != (m.Reverses != "") {
		return errors.New("reverses must be set for refunds only")
	}
	return nil
}

// NewEntry builds the entry recorded when m is applied.
func (m Mutation) NewEntry(balanceAfter int64, now time.Time) *LedgerEntry {
	return &LedgerEntry{
		OperationToken: m.OperationToken,
		UserID:         m.UserID,
		Amount:         m.Delta,
		Kind:           m.Kind,
		Status:         EntryStatusApplied,
		Reason:         m.Reason,
		Reverses:       m.Reverses,
		BalanceAfter:   balanceAfter,
		CreatedAt:      now,
	}
}

// Matches reports whether an existing entry records the same operation as m.
// A token replayed with different parameters is a conflict, not a replay.
func (m Mutation) Matches(e *LedgerEntry) bool {
	return e.UserID == m.UserID && e.Amount == m.Delta && e.Kind == m.Kind
}

// MutationResult is the outcome of applying a mutation.
type MutationResult struct {
	Entry *LedgerEntry
	// Balance is the balance right after the entry was recorded.
	Balance int64
	// Replayed is set when the token had already been applied.
	Replayed bool
}
