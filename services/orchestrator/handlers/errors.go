// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the orchestrator.
package handlers

import (
	"errors"
	"net/http"

	"github.com/qbitlabs/qbit-backend/services/keypool"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/llm"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
)

// statusForError maps pipeline and store errors onto HTTP status codes.
// Caller-precondition errors surface verbatim; system faults collapse
// to 500/503.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, snapshot.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrStaleParent),
		errors.Is(err, ledger.ErrInvalidReservationState),
		errors.Is(err, ledger.ErrDuplicateReservation):
		return http.StatusConflict
	case errors.Is(err, keypool.ErrNoHealthyKey):
		return http.StatusServiceUnavailable
	case llm.IsKind(err, llm.KindRateLimited):
		return http.StatusServiceUnavailable
	case llm.IsKind(err, llm.KindTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
