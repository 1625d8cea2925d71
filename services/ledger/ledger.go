// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger implements the credit ledger: per-user balances with
// reserve/commit/rollback semantics backed by BadgerDB.
//
// A reservation deducts the amount from the balance immediately, so the
// user-visible balance never shows reserved funds as spendable. Exactly
// one terminal transition (committed xor rolled_back) is permitted per
// reservation; the ledger records an immutable entry for every balance
// movement.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/storage/badgerstore"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInsufficientBalance means the user's balance cannot cover the
	// requested reservation. Reserve leaves no side effect in this case.
	ErrInsufficientBalance = errors.New("insufficient credit balance")

	// ErrInvalidReservationState means a terminal transition was
	// attempted on a reservation already in the other terminal state.
	// This is never a silent success: it would double-move funds.
	ErrInvalidReservationState = errors.New("invalid reservation state transition")

	// ErrReservationNotFound means no reservation exists for the
	// correlation id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrDuplicateReservation means a reservation already exists for the
	// correlation id.
	ErrDuplicateReservation = errors.New("reservation already exists for correlation id")
)

// ============================================================================
// Data model
// ============================================================================

// State is the lifecycle state of a reservation.
type State string

const (
	StateReserved   State = "reserved"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Reservation is a hold on a user's balance for one generation request.
// The amount is already deducted from the balance while the reservation
// is in the reserved state.
type Reservation struct {
	CorrelationID string    `json:"correlation_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryGrant    EntryType = "grant"
	EntryReserve  EntryType = "reserve"
	EntryAdjust   EntryType = "adjust"
	EntryCommit   EntryType = "commit"
	EntryRollback EntryType = "rollback"
)

// Entry is one immutable ledger record. Amount is the signed balance
// delta for grant/reserve/adjust/rollback entries; for commit entries it
// is the settled charge (the balance was already moved at reserve time).
type Entry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Type          EntryType `json:"type"`
	Reason        string    `json:"reason"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Key layout. Reservations are keyed globally by correlation id so the
// pipeline can settle them without knowing the user; entries are keyed
// per user with a nanosecond timestamp so history reads newest-first
// with a reverse prefix scan.
const (
	balancePrefix     = "credit/balance/"
	reservationPrefix = "credit/res/"
	entryPrefix       = "credit/entry/"
)

func balanceKey(userID string) []byte { return []byte(balancePrefix + userID) }

func reservationKey(correlationID string) []byte {
	return []byte(reservationPrefix + correlationID)
}

func entryKey(userID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d-%s", entryPrefix, userID, ts.UnixNano(), uuid.NewString()[:8]))
}

// ============================================================================
// Ledger
// ============================================================================

// conflictRetries bounds retries of transactions that lost a Badger
// read-modify-write race on the same balance.
const conflictRetries = 5

// Ledger is the durable credit store. Safe for concurrent use; every
// operation runs in a single Badger transaction, retried on conflict.
type Ledger struct {
	store  *badgerstore.Store
	logger *logging.Logger
}

// NewLedger creates a ledger on top of the given store.
func NewLedger(store *badgerstore.Store, logger *logging.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// withConflictRetry runs fn in a read-write transaction, retrying a
// bounded number of times when concurrent transactions conflict.
func (l *Ledger) withConflictRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = l.store.WithTxn(ctx, fn)
		if err == nil || !badgerstore.IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("ledger transaction conflicted %d times: %w", conflictRetries, err)
}

// Balance returns the user's spendable balance. Unknown users have a
// zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		balance, err = readBalance(txn, userID)
		return err
	})
	return balance, err
}

// Grant adds credits to a user's balance and records a grant entry.
// Returns the new balance.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	var after int64
	err := l.withConflictRetry(ctx, func(txn *badger.Txn) error {
		balance, err := readBalance(txn, userID)
		if err != nil {
			return err
		}
		after = balance + amount
		if err := writeBalance(txn, userID, after); err != nil {
			return err
		}
		return writeEntry(txn, Entry{
			UserID:       userID,
			Type:         EntryGrant,
			Reason:       reason,
			Amount:       amount,
			BalanceAfter: after,
		})
	})
	if err != nil {
		return 0, err
	}
	l.logger.Info("credits granted", "user_id", userID, "amount", amount, "balance", after)
	return after, nil
}

// Reserve places a hold on the user's balance.
//
// Description:
//
//	Atomically checks balance >= amount and decrements it in one
//	durable transaction. On ErrInsufficientBalance nothing is written.
//	The reservation is keyed by the caller's correlation id; reserving
//	twice under the same id is rejected.
//
// Outputs:
//   - *Reservation: the hold, in the reserved state.
//   - error: ErrInsufficientBalance, ErrDuplicateReservation, or a
//     storage error.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, correlationID string) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	now := time.Now().UTC()
	res := &Reservation{
		CorrelationID: correlationID,
		UserID:        userID,
		Amount:        amount,
		State:         StateReserved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := l.withConflictRetry(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(reservationKey(correlationID)); err == nil {
			return ErrDuplicateReservation
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		balance, err := readBalance(txn, userID)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientBalance
		}

		after := balance - amount
		if err := writeBalance(txn, userID, after); err != nil {
			return err
		}
		if err := writeReservation(txn, res); err != nil {
			return err
		}
		return writeEntry(txn, Entry{
			UserID:        userID,
			Type:          EntryReserve,
			Reason:        "credit reservation",
			Amount:        -amount,
			BalanceAfter:  after,
			CorrelationID: correlationID,
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("credits reserved",
		"user_id", userID,
		"correlation_id", correlationID,
		"amount", amount,
	)
	return res, nil
}

// Adjust changes the held amount of a still-reserved reservation, for
// the case where the final charge is only known after planning. Raising
// the hold can fail with ErrInsufficientBalance; lowering it returns the
// difference to the balance immediately.
func (l *Ledger) Adjust(ctx context.Context, res *Reservation, newAmount int64) error {
	if newAmount <= 0 {
		return fmt.Errorf("adjusted amount must be positive, got %d", newAmount)
	}

	err := l.withConflictRetry(ctx, func(txn *badger.Txn) error {
		stored, err := readReservation(txn, res.CorrelationID)
		if err != nil {
			return err
		}
		if stored.State != StateReserved {
			return fmt.Errorf("adjust on %s reservation %s: %w",
				stored.State, stored.CorrelationID, ErrInvalidReservationState)
		}
		delta := newAmount - stored.Amount
		if delta == 0 {
			return nil
		}

		balance, err := readBalance(txn, stored.UserID)
		if err != nil {
			return err
		}
		if delta > 0 && balance < delta {
			return ErrInsufficientBalance
		}

		after := balance - delta
		if err := writeBalance(txn, stored.UserID, after); err != nil {
			return err
		}
		stored.Amount = newAmount
		stored.UpdatedAt = time.Now().UTC()
		if err := writeReservation(txn, stored); err != nil {
			return err
		}
		*res = *stored
		return writeEntry(txn, Entry{
			UserID:        stored.UserID,
			Type:          EntryAdjust,
			Reason:        "reservation adjusted to final cost",
			Amount:        -delta,
			BalanceAfter:  after,
			CorrelationID: stored.CorrelationID,
		})
	})
	return err
}

// Commit settles a reservation.
//
// Description:
//
//	Transitions reserved → committed and writes an immutable commit
//	entry. Committing an already-committed reservation is a no-op, not
//	an error, and writes no second entry. Committing a rolled-back
//	reservation fails with ErrInvalidReservationState.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, reason string) error {
	err := l.withConflictRetry(ctx, func(txn *badger.Txn) error {
		stored, err := readReservation(txn, res.CorrelationID)
		if err != nil {
			return err
		}
		switch stored.State {
		case StateCommitted:
			*res = *stored
			return nil
		case StateRolledBack:
			return fmt.Errorf("commit on rolled_back reservation %s: %w",
				stored.CorrelationID, ErrInvalidReservationState)
		}

		balance, err := readBalance(txn, stored.UserID)
		if err != nil {
			return err
		}
		stored.State = StateCommitted
		stored.UpdatedAt = time.Now().UTC()
		if err := writeReservation(txn, stored); err != nil {
			return err
		}
		*res = *stored
		return writeEntry(txn, Entry{
			UserID:        stored.UserID,
			Type:          EntryCommit,
			Reason:        reason,
			Amount:        stored.Amount,
			BalanceAfter:  balance,
			CorrelationID: stored.CorrelationID,
		})
	})
	if err != nil {
		return err
	}
	l.logger.Debug("reservation committed", "correlation_id", res.CorrelationID, "amount", res.Amount)
	return nil
}

// Rollback reverses a reservation.
//
// Description:
//
//	Transitions reserved → rolled_back, restores the full amount to the
//	balance, and writes a reversal entry. Rolling back an already
//	rolled-back reservation is a no-op. Rolling back a committed
//	reservation fails with ErrInvalidReservationState.
func (l *Ledger) Rollback(ctx context.Context, res *Reservation, reason string) error {
	err := l.withConflictRetry(ctx, func(txn *badger.Txn) error {
		stored, err := readReservation(txn, res.CorrelationID)
		if err != nil {
			return err
		}
		switch stored.State {
		case StateRolledBack:
			*res = *stored
			return nil
		case StateCommitted:
			return fmt.Errorf("rollback on committed reservation %s: %w",
				stored.CorrelationID, ErrInvalidReservationState)
		}

		balance, err := readBalance(txn, stored.UserID)
		if err != nil {
			return err
		}
		after := balance + stored.Amount
		if err := writeBalance(txn, stored.UserID, after); err != nil {
			return err
		}
		stored.State = StateRolledBack
		stored.UpdatedAt = time.Now().UTC()
		if err := writeReservation(txn, stored); err != nil {
			return err
		}
		*res = *stored
		return writeEntry(txn, Entry{
			UserID:        stored.UserID,
			Type:          EntryRollback,
			Reason:        reason,
			Amount:        stored.Amount,
			BalanceAfter:  after,
			CorrelationID: stored.CorrelationID,
		})
	})
	if err != nil {
		return err
	}
	l.logger.Debug("reservation rolled back", "correlation_id", res.CorrelationID, "amount", res.Amount)
	return nil
}

// GetReservation loads a reservation by correlation id.
func (l *Ledger) GetReservation(ctx context.Context, correlationID string) (*Reservation, error) {
	var res *Reservation
	err := l.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		res, err = readReservation(txn, correlationID)
		return err
	})
	return res, err
}

// History returns the user's ledger entries, most recent first, capped
// at limit (or all entries when limit <= 0).
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	prefix := []byte(entryPrefix + userID + "/")
	var entries []Entry

	err := l.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible key under the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// ============================================================================
// Transaction helpers
// ============================================================================

func readBalance(txn *badger.Txn, userID string) (int64, error) {
	item, err := txn.Get(balanceKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var balance int64
	err = item.Value(func(val []byte) error {
		balance, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return balance, err
}

func writeBalance(txn *badger.Txn, userID string, balance int64) error {
	return txn.Set(balanceKey(userID), []byte(strconv.FormatInt(balance, 10)))
}

func readReservation(txn *badger.Txn, correlationID string) (*Reservation, error) {
	item, err := txn.Get(reservationKey(correlationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("reservation %s: %w", correlationID, ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	res := &Reservation{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, res)
	})
	return res, err
}

func writeReservation(txn *badger.Txn, res *Reservation) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return txn.Set(reservationKey(res.CorrelationID), data)
}

func writeEntry(txn *badger.Txn, entry Entry) error {
	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(entryKey(entry.UserID, entry.Timestamp), data)
}
