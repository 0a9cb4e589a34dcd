/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"fmt"
	"time"

	"github.com/calliope-id/agent/pkg/events"
	"github.com/calliope-id/agent/pkg/internal/logutil"
	"github.com/calliope-id/agent/pkg/store/connection"
)

// awaitCondition waits for check to pass, using the event bus to avoid
// polling. The subscription is opened before the first check so an event
// landing between check and wait is not lost. On timeout the condition is
// checked one last time and its result returned as-is; the timeout itself is
// not an error.
func (s *Service) awaitCondition(topic string, filter events.Filter, check func() bool, timeout time.Duration) bool {
	sub := s.bus.Subscribe(topic, filter)
	defer sub.Cancel()

	if check() {
		return true
	}

	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return check()
		}

		if _, err := sub.Await(remaining); err != nil {
			return check()
		}

		if check() {
			return true
		}
	}
}

// awaitConnectionReady blocks until the connection completes its exchange or
// the timeout expires.
func (s *Service) awaitConnectionReady(connectionID string, timeout time.Duration) (*connection.Record, error) {
	var connRecord *connection.Record

	check := func() bool {
		record, err := s.connRecorder.GetConnectionRecord(connectionID)
		if err != nil {
			logutil.LogDebug(logger, Name, "awaitConnectionReady", err.Error(),
				logutil.CreateKeyValueString("connectionID", connectionID))

			return false
		}

		connRecord = record

		return record.IsReady()
	}

	filter := func(e events.Event) bool {
		stateEvent, ok := e.Payload.(connection.StateEvent)

		return ok && stateEvent.ConnectionID == connectionID && stateEvent.State == connection.StateCompleted
	}

	if !s.awaitCondition(connection.TopicStateChanged, filter, check, timeout) {
		return nil, fmt.Errorf("%w: connection %s did not complete within %s",
			ErrConnectionNotReady, connectionID, timeout)
	}

	return connRecord, nil
}

// awaitReuseOutcome blocks until the exchange record reaches a reuse outcome
// state or the timeout expires. It returns the record's best-known state
// either way; a timeout leaves the record in await-response, which callers
// treat as a rejection.
func (s *Service) awaitReuseOutcome(oobID string, timeout time.Duration) string {
	state := StateAwaitResponse

	check := func() bool {
		record, err := s.store.get(oobID)
		if err != nil {
			logutil.LogDebug(logger, Name, "awaitReuseOutcome", err.Error(),
				logutil.CreateKeyValueString("oobID", oobID))

			return false
		}

		state = record.State

		return state == StateAccepted || state == StateNotAccepted || state == StateDone
	}

	filter := func(e events.Event) bool {
		stateEvent, ok := e.Payload.(StateEvent)

		return ok && stateEvent.OobID == oobID &&
			(stateEvent.State == StateAccepted || stateEvent.State == StateNotAccepted || stateEvent.State == StateDone)
	}

	s.awaitCondition(TopicStateChanged, filter, check, timeout)

	return state
}
