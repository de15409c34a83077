// Package domain holds the order submission state machine.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// State is the state of an order submission
type State string

const (
	StateQuoted           State = "quoted"
	StatePasswordVerified State = "password_verified"
	StateReserved         State = "reserved"
	StateOrderCreated     State = "order_created"
	StateCaptured         State = "captured"
	StateFailed           State = "failed"
	StateCompensated      State = "compensated"
)

var transitions = map[State][]State{
	StateQuoted:           {StatePasswordVerified, StateFailed},
	StatePasswordVerified: {StateReserved, StateFailed},
	StateReserved:         {StateOrderCreated, StateCompensated, StateFailed},
	StateOrderCreated:     {StateCaptured},
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateQuoted, StatePasswordVerified, StateReserved, StateOrderCreated,
		StateCaptured, StateFailed, StateCompensated:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateCaptured || s == StateFailed || s == StateCompensated
}

// CanTransitionTo reports whether s -> next is allowed
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("submission not found")
	ErrStateConflict     = errors.New("submission state changed concurrently")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Submission is one attempt to buy a service with wallet coins. It is
// persisted once money has moved.
type Submission struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	ServiceID   string    `json:"service_id"`
	ProviderID  string    `json:"provider_id"`
	Quantity    int       `json:"quantity"`
	UnitPrice   int64     `json:"unit_price"`
	TotalAmount int64     `json:"total_amount"`
	State       State     `json:"state"`
	OrderID     string    `json:"order_id,omitempty"`
	OrderNo     string    `json:"order_no,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition moves the submission to next
func (s *Submission) Transition(next State, now time.Time) error {
	if !s.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	s.UpdatedAt = now
	return nil
}
