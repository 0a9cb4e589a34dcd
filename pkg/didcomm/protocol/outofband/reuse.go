/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/calliope-id/agent/pkg/didcomm/common/service"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
	"github.com/calliope-id/agent/pkg/internal/logutil"
	"github.com/calliope-id/agent/pkg/store/connection"
)

// ProposeReuse asks the inviter to reuse the given established connection
// instead of running a fresh handshake. It blocks until the inviter answers
// or the reuse timeout expires; a timeout counts as a rejection. The record
// is left in state accepted or not-accepted accordingly.
func (s *Service) ProposeReuse(rec *Record, connRecord *connection.Record) error {
	msg := &HandshakeReuse{
		ID:   uuid.New().String(),
		Type: HandshakeReuseMsgType,
		Thread: &decorator.Thread{
			PID: rec.InvitationID,
		},
	}
	msg.Thread.ID = msg.ID

	targets, err := s.connService.GetConnectionTargets(connRecord.ConnectionID)
	if err != nil {
		return fmt.Errorf("get connection targets: %w", err)
	}

	rec.ReuseMsgID = msg.ID

	if err := s.updateState(rec, StateAwaitResponse); err != nil {
		return err
	}

	if err := s.outbound.Send(service.NewDIDCommMsgMap(msg), targets); err != nil {
		return fmt.Errorf("%w: send handshake-reuse: %s", ErrTransport, err.Error())
	}

	state := s.awaitReuseOutcome(rec.ID, s.cfg.ReuseTimeout)
	rec.State = state

	if state == StateAccepted {
		logutil.LogInfo(logger, Name, "proposeReuse", "reuse accepted",
			logutil.CreateKeyValueString("connectionID", connRecord.ConnectionID),
			logutil.CreateKeyValueString("invitationID", rec.InvitationID))

		return nil
	}

	// no confirmation: give up on the existing connection and let the caller
	// fall back to a fresh handshake
	rec.ConnectionID = ""

	if state != StateNotAccepted {
		// timed out without an answer; an explicit problem report would
		// already have recorded and announced the rejection
		if err := s.updateState(rec, StateNotAccepted); err != nil {
			return err
		}

		s.bus.Publish(TopicHandshakeReused, ReuseEvent{
			InvitationID: rec.InvitationID,
			ConnectionID: connRecord.ConnectionID,
			ReuseMsgID:   msg.ID,
			Accepted:     false,
		})
	}

	rec.State = StateNotAccepted

	return nil
}

// ReceiveReuse handles an inbound handshake-reuse message on the inviter
// side. A completion event is published even when handling fails so any
// waiting party is unblocked.
func (s *Service) ReceiveReuse(msg service.DIDCommMsgMap, conn *connection.Record) error {
	if conn == nil || !conn.IsReady() {
		return fmt.Errorf("%w: handshake-reuse requires an active connection", ErrConnectionNotReady)
	}

	invitationID := msg.ParentThreadID()
	if invitationID == "" {
		return fmt.Errorf("%w: handshake-reuse without parent thread id", ErrInvalidRequest)
	}

	reuseMsgID := msg.ThreadID()

	accepted := false

	defer func() {
		s.bus.Publish(TopicHandshakeReused, ReuseEvent{
			InvitationID: invitationID,
			ConnectionID: conn.ConnectionID,
			ReuseMsgID:   reuseMsgID,
			Accepted:     accepted,
		})
	}()

	rec, err := s.store.findByInvitationID(invitationID, RoleSender, StateAwaitResponse)
	if err != nil {
		return err
	}

	// multi-use invitations stay in await-response so the next taker can
	// still redeem them; only single-use records complete here
	if !rec.MultiUse {
		rec.ConnectionID = conn.ConnectionID
		rec.ReuseMsgID = reuseMsgID

		if err := s.updateState(rec, StateDone); err != nil {
			return err
		}
	}

	// bind the reused connection to this invitation; a single-use invitation's
	// placeholder records are no longer redeemable, so drop them
	conn.InvitationID = invitationID
	if err := s.connRecorder.SaveConnectionRecord(conn); err != nil {
		return fmt.Errorf("%w: update reused connection: %s", ErrStorage, err.Error())
	}

	if !rec.MultiUse {
		s.cleanupPlaceholders(invitationID, conn.ConnectionID)
	}

	reply := &HandshakeReuseAccepted{
		ID:   uuid.New().String(),
		Type: HandshakeReuseAcceptedMsgType,
		Thread: &decorator.Thread{
			ID:  reuseMsgID,
			PID: invitationID,
		},
	}

	targets, err := s.connService.GetConnectionTargets(conn.ConnectionID)
	if err != nil {
		return fmt.Errorf("get connection targets: %w", err)
	}

	if err := s.outbound.Send(service.NewDIDCommMsgMap(reply), targets); err != nil {
		return fmt.Errorf("%w: send handshake-reuse-accepted: %s", ErrTransport, err.Error())
	}

	if !rec.MultiUse {
		if err := s.store.delete(rec.ID); err != nil {
			logutil.LogError(logger, Name, "receiveReuse", err.Error(),
				logutil.CreateKeyValueString("oobID", rec.ID))
		}
	}

	accepted = true

	return nil
}

// cleanupPlaceholders removes connection records left in state invitation for
// the given invitation. Best effort: the reused connection is already bound.
func (s *Service) cleanupPlaceholders(invitationID, reusedConnectionID string) {
	placeholders, err := s.connRecorder.QueryByInvitationID(invitationID)
	if err != nil {
		logutil.LogDebug(logger, Name, "cleanupPlaceholders", err.Error(),
			logutil.CreateKeyValueString("invitationID", invitationID))

		return
	}

	for _, placeholder := range placeholders {
		if placeholder.ConnectionID == reusedConnectionID || placeholder.State != connection.StateInvitation {
			continue
		}

		if err := s.connRecorder.DeleteConnectionRecord(placeholder.ConnectionID); err != nil {
			logutil.LogDebug(logger, Name, "cleanupPlaceholders", err.Error(),
				logutil.CreateKeyValueString("connectionID", placeholder.ConnectionID))
		}
	}
}

// ReceiveReuseAccepted handles the inviter's confirmation on the side that
// proposed the reuse. A completion event is published even when handling
// fails so any waiting party is unblocked.
func (s *Service) ReceiveReuseAccepted(msg service.DIDCommMsgMap, conn *connection.Record) error {
	invitationID := msg.ParentThreadID()
	reuseMsgID := msg.ThreadID()

	accepted := false

	connectionID := ""
	if conn != nil {
		connectionID = conn.ConnectionID
	}

	defer func() {
		s.bus.Publish(TopicHandshakeReused, ReuseEvent{
			InvitationID: invitationID,
			ConnectionID: connectionID,
			ReuseMsgID:   reuseMsgID,
			Accepted:     accepted,
		})
	}()

	rec, err := s.store.findByInvitationID(invitationID, RoleReceiver, StateAwaitResponse)
	if err != nil {
		return err
	}

	if rec.ReuseMsgID != reuseMsgID {
		return fmt.Errorf("%w: reuse-accepted thread %s does not match proposed reuse %s",
			ErrExchangeNotFound, reuseMsgID, rec.ReuseMsgID)
	}

	if connectionID == "" {
		connectionID = rec.ConnectionID
	}

	if err := s.updateState(rec, StateAccepted); err != nil {
		return err
	}

	accepted = true

	return nil
}

// ReceiveProblemReport handles a problem report threaded to a pending reuse
// proposal. The record moves to not-accepted, unblocking the waiting
// proposer, which then falls back to a fresh handshake. The completion event
// is published even when handling fails.
func (s *Service) ReceiveProblemReport(msg service.DIDCommMsgMap, _ *connection.Record) error {
	invitationID := msg.ParentThreadID()
	reuseMsgID := msg.ThreadID()

	connectionID := ""

	defer func() {
		s.bus.Publish(TopicHandshakeReused, ReuseEvent{
			InvitationID: invitationID,
			ConnectionID: connectionID,
			ReuseMsgID:   reuseMsgID,
			Accepted:     false,
		})
	}()

	rec, err := s.store.findByInvitationID(invitationID, RoleReceiver, StateAwaitResponse)
	if err != nil {
		return err
	}

	if rec.ReuseMsgID != reuseMsgID {
		return fmt.Errorf("%w: problem report thread %s does not match proposed reuse %s",
			ErrExchangeNotFound, reuseMsgID, rec.ReuseMsgID)
	}

	logutil.LogInfo(logger, Name, "receiveProblemReport", "reuse rejected by inviter",
		logutil.CreateKeyValueString("invitationID", invitationID))

	connectionID = rec.ConnectionID
	rec.ConnectionID = ""

	if err := s.updateState(rec, StateNotAccepted); err != nil {
		return err
	}

	return nil
}
