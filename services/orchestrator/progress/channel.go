// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package progress routes pipeline progress events to at most one
// subscriber per correlation id.
//
// Delivery is strictly best-effort: events published without a
// subscriber, or faster than the subscriber drains them, are dropped.
// Pipeline correctness never depends on an event arriving. The terminal
// event closes the subscriber's stream.
package progress

import (
	"errors"
	"sync"
	"time"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/datatypes"
)

// ErrAlreadySubscribed means a subscriber is already attached to the
// correlation id.
var ErrAlreadySubscribed = errors.New("correlation id already has a subscriber")

// subscriberBuffer absorbs bursts between pipeline checkpoints. A full
// buffer drops the event rather than blocking the pipeline.
const subscriberBuffer = 16

// Hub fans pipeline events out to per-request subscribers. Safe for
// concurrent use. Events for one correlation id are delivered in
// publish order as long as they come from a single producer, which the
// pipeline guarantees by publishing from the request's own goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan datatypes.ProgressEvent
	logger *logging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]chan datatypes.ProgressEvent),
		logger: logger,
	}
}

// Subscribe attaches the single allowed subscriber for a correlation
// id. The returned cancel function detaches and closes the stream; it
// is safe to call after the terminal event already closed it.
func (h *Hub) Subscribe(correlationID string) (<-chan datatypes.ProgressEvent, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subs[correlationID]; exists {
		return nil, nil, ErrAlreadySubscribed
	}

	ch := make(chan datatypes.ProgressEvent, subscriberBuffer)
	h.subs[correlationID] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.subs[correlationID]; ok && current == ch {
			delete(h.subs, correlationID)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Publish delivers an event to the correlation id's subscriber, if one
// is attached. Never blocks. A terminal event closes the stream.
func (h *Hub) Publish(correlationID string, event datatypes.ProgressEvent) {
	event.CorrelationID = correlationID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[correlationID]
	if !ok {
		h.logger.Debug("progress event dropped, no subscriber",
			"correlation_id", correlationID, "stage", event.Stage)
		return
	}

	select {
	case ch <- event:
	default:
		h.logger.Warn("progress event dropped, subscriber too slow",
			"correlation_id", correlationID, "stage", event.Stage)
	}

	if event.Terminal {
		delete(h.subs, correlationID)
		close(ch)
	}
}

// Subscribers returns the number of attached streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
