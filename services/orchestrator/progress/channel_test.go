// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/datatypes"
)

func testHub() *Hub {
	return NewHub(logging.New(logging.Config{Level: logging.LevelError, Quiet: true}))
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := testHub()
	ch, cancel, err := h.Subscribe("corr-1")
	require.NoError(t, err)
	defer cancel()

	stages := []string{"admission", "intent", "generation", "persistence"}
	for i, stage := range stages {
		h.Publish("corr-1", datatypes.ProgressEvent{Stage: stage, Percent: (i + 1) * 20})
	}
	h.Publish("corr-1", datatypes.ProgressEvent{Stage: "complete", Percent: 100, Terminal: true})

	var got []string
	for ev := range ch {
		got = append(got, ev.Stage)
		assert.Equal(t, "corr-1", ev.CorrelationID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, append(stages, "complete"), got)
}

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	h := testHub()
	// Must not block or panic.
	h.Publish("ghost", datatypes.ProgressEvent{Stage: "admission", Percent: 10})
	assert.Equal(t, 0, h.Subscribers())
}

func TestSecondSubscriberRejected(t *testing.T) {
	h := testHub()
	_, cancel, err := h.Subscribe("corr-2")
	require.NoError(t, err)
	defer cancel()

	_, _, err = h.Subscribe("corr-2")
	require.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestTerminalEventClosesStream(t *testing.T) {
	h := testHub()
	ch, cancel, err := h.Subscribe("corr-3")
	require.NoError(t, err)
	defer cancel()

	h.Publish("corr-3", datatypes.ProgressEvent{Stage: "failed", Terminal: true, Error: "boom"})

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "failed", ev.Stage)

	_, ok = <-ch
	assert.False(t, ok, "stream closed after terminal event")
	assert.Equal(t, 0, h.Subscribers())

	// Late publishes for the finished request are dropped silently.
	h.Publish("corr-3", datatypes.ProgressEvent{Stage: "late"})
}

func TestCancelAfterTerminalIsSafe(t *testing.T) {
	h := testHub()
	ch, cancel, err := h.Subscribe("corr-4")
	require.NoError(t, err)

	h.Publish("corr-4", datatypes.ProgressEvent{Stage: "complete", Terminal: true})
	for range ch {
	}
	cancel() // already closed by the terminal event

	// The id is free for a new request.
	_, cancel2, err := h.Subscribe("corr-4")
	require.NoError(t, err)
	cancel2()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := testHub()
	ch, cancel, err := h.Subscribe("corr-5")
	require.NoError(t, err)
	defer cancel()

	// Overflow the buffer without draining; Publish must not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish("corr-5", datatypes.ProgressEvent{Stage: "generation", Percent: i})
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
}
