/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calliope-id/agent/pkg/didcomm/common/service"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
	"github.com/calliope-id/agent/pkg/events"
	"github.com/calliope-id/agent/pkg/store/connection"
)

var errTransportDown = errors.New("transport down")

func newReuseMsg(invitationID string) service.DIDCommMsgMap {
	id := uuid.New().String()

	return service.NewDIDCommMsgMap(&HandshakeReuse{
		ID:     id,
		Type:   HandshakeReuseMsgType,
		Thread: &decorator.Thread{ID: id, PID: invitationID},
	})
}

func TestReceiveReuse(t *testing.T) {
	setup := func(t *testing.T, multiUse bool) (*Service, *testProvider, *InvitationRecord, *connection.Record) {
		t.Helper()

		p := newTestProvider(t)

		svc, err := New(p)
		require.NoError(t, err)

		result, err := svc.CreateInvitation(&CreateOptions{
			HandshakeProtocols: p.connService.protocols,
			MultiUse:           multiUse,
		})
		require.NoError(t, err)

		conn := completedConnection()
		require.NoError(t, p.connRecorder.SaveConnectionRecord(conn))

		// drop the invitation sent during creation from the ledger of
		// outbound messages so assertions only see reuse traffic
		p.outbound.sent = nil

		return svc, p, result, conn
	}

	t.Run("accepts the reuse and answers on the same thread", func(t *testing.T) {
		svc, p, result, conn := setup(t, false)

		msg := newReuseMsg(result.Invitation.ID)

		require.NoError(t, svc.ReceiveReuse(msg, conn))

		require.Len(t, p.outbound.sent, 1)
		reply := p.outbound.sent[0]
		require.Equal(t, HandshakeReuseAcceptedMsgType, reply.Type())
		require.Equal(t, msg.ID(), reply.ThreadID())
		require.Equal(t, result.Invitation.ID, reply.ParentThreadID())
	})

	t.Run("binds the reused connection to the invitation", func(t *testing.T) {
		svc, p, result, conn := setup(t, false)

		require.NoError(t, svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), conn))

		updated, err := p.connRecorder.GetConnectionRecord(conn.ConnectionID)
		require.NoError(t, err)
		require.Equal(t, result.Invitation.ID, updated.InvitationID)
	})

	t.Run("single-use record is deleted", func(t *testing.T) {
		svc, _, result, conn := setup(t, false)

		require.NoError(t, svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), conn))

		_, err := svc.GetRecord(result.OobID)
		require.ErrorIs(t, err, ErrExchangeNotFound)
	})

	t.Run("multi-use record survives repeated reuse", func(t *testing.T) {
		svc, p, result, conn := setup(t, true)

		require.NoError(t, svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), conn))

		// the record stays redeemable for the next taker
		rec, err := svc.GetRecord(result.OobID)
		require.NoError(t, err)
		require.Equal(t, StateAwaitResponse, rec.State)

		// a second taker reuses the same invitation
		other := completedConnection()
		require.NoError(t, p.connRecorder.SaveConnectionRecord(other))

		require.NoError(t, svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), other))

		rec, err = svc.GetRecord(result.OobID)
		require.NoError(t, err)
		require.Equal(t, StateAwaitResponse, rec.State)

		// both takers answered on the invitation's thread
		require.Len(t, p.outbound.sent, 2)

		// the placeholder connection also stays for future takers
		records, err := p.connRecorder.QueryByInvitationID(result.Invitation.ID)
		require.NoError(t, err)

		placeholderKept := false

		for _, r := range records {
			if r.State == connection.StateInvitation {
				placeholderKept = true
			}
		}

		require.True(t, placeholderKept)
	})

	t.Run("cleans up placeholder connection records", func(t *testing.T) {
		svc, p, result, conn := setup(t, false)

		placeholders, err := p.connRecorder.QueryByInvitationID(result.Invitation.ID)
		require.NoError(t, err)
		require.Len(t, placeholders, 1)

		require.NoError(t, svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), conn))

		remaining, err := p.connRecorder.QueryByInvitationID(result.Invitation.ID)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		require.Equal(t, conn.ConnectionID, remaining[0].ConnectionID)
	})

	t.Run("publishes a completion event even on failure", func(t *testing.T) {
		svc, p, _, conn := setup(t, false)

		sub := p.bus.Subscribe(TopicHandshakeReused, nil)
		defer sub.Cancel()

		err := svc.ReceiveReuse(newReuseMsg("unknown-invitation"), conn)
		require.ErrorIs(t, err, ErrExchangeNotFound)

		e, err := sub.Await(time.Second)
		require.NoError(t, err)

		payload, ok := e.Payload.(ReuseEvent)
		require.True(t, ok)
		require.False(t, payload.Accepted)
		require.Equal(t, "unknown-invitation", payload.InvitationID)
	})

	t.Run("requires an active connection", func(t *testing.T) {
		svc, _, result, _ := setup(t, false)

		err := svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), nil)
		require.ErrorIs(t, err, ErrConnectionNotReady)

		pending := &connection.Record{ConnectionID: uuid.New().String(), State: "response"}
		err = svc.ReceiveReuse(newReuseMsg(result.Invitation.ID), pending)
		require.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("requires a parent thread id", func(t *testing.T) {
		svc, _, _, conn := setup(t, false)

		msg := service.NewDIDCommMsgMap(&HandshakeReuse{
			ID:   uuid.New().String(),
			Type: HandshakeReuseMsgType,
		})

		err := svc.ReceiveReuse(msg, conn)
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestReceiveReuseAccepted(t *testing.T) {
	setup := func(t *testing.T) (*Service, *Record, string) {
		t.Helper()

		p := newTestProvider(t)

		svc, err := New(p)
		require.NoError(t, err)

		reuseMsgID := uuid.New().String()

		rec := &Record{
			ID:           uuid.New().String(),
			InvitationID: uuid.New().String(),
			Role:         RoleReceiver,
			State:        StateAwaitResponse,
			ConnectionID: uuid.New().String(),
			ReuseMsgID:   reuseMsgID,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		require.NoError(t, svc.store.save(rec))

		return svc, rec, reuseMsgID
	}

	t.Run("moves the record to accepted", func(t *testing.T) {
		svc, rec, reuseMsgID := setup(t)

		msg := service.NewDIDCommMsgMap(&HandshakeReuseAccepted{
			ID:     uuid.New().String(),
			Type:   HandshakeReuseAcceptedMsgType,
			Thread: &decorator.Thread{ID: reuseMsgID, PID: rec.InvitationID},
		})

		require.NoError(t, svc.ReceiveReuseAccepted(msg, nil))

		stored, err := svc.GetRecord(rec.ID)
		require.NoError(t, err)
		require.Equal(t, StateAccepted, stored.State)
	})

	t.Run("duplicate delivery after completion", func(t *testing.T) {
		svc, rec, reuseMsgID := setup(t)

		msg := service.NewDIDCommMsgMap(&HandshakeReuseAccepted{
			ID:     uuid.New().String(),
			Type:   HandshakeReuseAcceptedMsgType,
			Thread: &decorator.Thread{ID: reuseMsgID, PID: rec.InvitationID},
		})

		require.NoError(t, svc.ReceiveReuseAccepted(msg, nil))

		// the record left await-response, so the redelivered message no
		// longer matches an open exchange
		require.ErrorIs(t, svc.ReceiveReuseAccepted(msg, nil), ErrExchangeNotFound)
	})

	t.Run("unknown exchange", func(t *testing.T) {
		svc, _, reuseMsgID := setup(t)

		msg := service.NewDIDCommMsgMap(&HandshakeReuseAccepted{
			ID:     uuid.New().String(),
			Type:   HandshakeReuseAcceptedMsgType,
			Thread: &decorator.Thread{ID: reuseMsgID, PID: "unknown-invitation"},
		})

		require.ErrorIs(t, svc.ReceiveReuseAccepted(msg, nil), ErrExchangeNotFound)
	})

	t.Run("mismatched reuse thread", func(t *testing.T) {
		svc, rec, _ := setup(t)

		msg := service.NewDIDCommMsgMap(&HandshakeReuseAccepted{
			ID:     uuid.New().String(),
			Type:   HandshakeReuseAcceptedMsgType,
			Thread: &decorator.Thread{ID: "some-other-thread", PID: rec.InvitationID},
		})

		require.ErrorIs(t, svc.ReceiveReuseAccepted(msg, nil), ErrExchangeNotFound)
	})

	t.Run("publishes a completion event even on failure", func(t *testing.T) {
		svc, _, reuseMsgID := setup(t)

		sub := svc.bus.Subscribe(TopicHandshakeReused, nil)
		defer sub.Cancel()

		msg := service.NewDIDCommMsgMap(&HandshakeReuseAccepted{
			ID:     uuid.New().String(),
			Type:   HandshakeReuseAcceptedMsgType,
			Thread: &decorator.Thread{ID: reuseMsgID, PID: "unknown-invitation"},
		})

		require.ErrorIs(t, svc.ReceiveReuseAccepted(msg, nil), ErrExchangeNotFound)

		e, err := sub.Await(time.Second)
		require.NoError(t, err)

		payload, ok := e.Payload.(ReuseEvent)
		require.True(t, ok)
		require.False(t, payload.Accepted)
		require.Equal(t, "unknown-invitation", payload.InvitationID)
		require.Equal(t, reuseMsgID, payload.ReuseMsgID)
	})
}

func TestReceiveProblemReport(t *testing.T) {
	setup := func(t *testing.T) (*Service, *Record, string) {
		t.Helper()

		p := newTestProvider(t)

		svc, err := New(p)
		require.NoError(t, err)

		reuseMsgID := uuid.New().String()

		rec := &Record{
			ID:           uuid.New().String(),
			InvitationID: uuid.New().String(),
			Role:         RoleReceiver,
			State:        StateAwaitResponse,
			ConnectionID: uuid.New().String(),
			ReuseMsgID:   reuseMsgID,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		require.NoError(t, svc.store.save(rec))

		return svc, rec, reuseMsgID
	}

	newProblemReport := func(reuseMsgID, invitationID string) service.DIDCommMsgMap {
		return service.NewDIDCommMsgMap(&ProblemReport{
			ID:     uuid.New().String(),
			Type:   ProblemReportMsgType,
			Thread: &decorator.Thread{ID: reuseMsgID, PID: invitationID},
			Description: ProblemReportDescription{
				En:   "no active connection",
				Code: "existing-connection-not-active",
			},
		})
	}

	t.Run("moves the record to not-accepted and announces the rejection", func(t *testing.T) {
		svc, rec, reuseMsgID := setup(t)

		sub := svc.bus.Subscribe(TopicHandshakeReused, nil)
		defer sub.Cancel()

		require.NoError(t, svc.ReceiveProblemReport(newProblemReport(reuseMsgID, rec.InvitationID), nil))

		stored, err := svc.GetRecord(rec.ID)
		require.NoError(t, err)
		require.Equal(t, StateNotAccepted, stored.State)
		require.Empty(t, stored.ConnectionID)

		e, err := sub.Await(time.Second)
		require.NoError(t, err)

		payload, ok := e.Payload.(ReuseEvent)
		require.True(t, ok)
		require.False(t, payload.Accepted)
		require.Equal(t, rec.InvitationID, payload.InvitationID)
	})

	t.Run("publishes a completion event even on failure", func(t *testing.T) {
		svc, _, reuseMsgID := setup(t)

		sub := svc.bus.Subscribe(TopicHandshakeReused, nil)
		defer sub.Cancel()

		err := svc.ReceiveProblemReport(newProblemReport(reuseMsgID, "unknown-invitation"), nil)
		require.ErrorIs(t, err, ErrExchangeNotFound)

		e, err := sub.Await(time.Second)
		require.NoError(t, err)

		payload, ok := e.Payload.(ReuseEvent)
		require.True(t, ok)
		require.False(t, payload.Accepted)
		require.Equal(t, "unknown-invitation", payload.InvitationID)
	})
}

func TestProposeReuseTransportFailure(t *testing.T) {
	p := newTestProvider(t)
	p.outbound.err = errTransportDown

	svc, err := New(p)
	require.NoError(t, err)

	conn := completedConnection()
	require.NoError(t, p.connRecorder.SaveConnectionRecord(conn))

	rec := &Record{
		ID:           uuid.New().String(),
		InvitationID: uuid.New().String(),
		Role:         RoleReceiver,
		State:        StateInitial,
		ConnectionID: conn.ConnectionID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, svc.store.save(rec))

	err = svc.ProposeReuse(rec, conn)
	require.ErrorIs(t, err, ErrTransport)
}

func TestProposeReuseRejectionEvent(t *testing.T) {
	p := newTestProvider(t)
	p.config.ReuseTimeout = 50 * time.Millisecond

	svc, err := New(p)
	require.NoError(t, err)

	conn := completedConnection()
	require.NoError(t, p.connRecorder.SaveConnectionRecord(conn))

	rec := &Record{
		ID:           uuid.New().String(),
		InvitationID: uuid.New().String(),
		Role:         RoleReceiver,
		State:        StateInitial,
		ConnectionID: conn.ConnectionID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, svc.store.save(rec))

	sub := p.bus.Subscribe(TopicHandshakeReused, func(e events.Event) bool {
		payload, ok := e.Payload.(ReuseEvent)
		return ok && payload.InvitationID == rec.InvitationID
	})
	defer sub.Cancel()

	require.NoError(t, svc.ProposeReuse(rec, conn))
	require.Equal(t, StateNotAccepted, rec.State)
	require.Empty(t, rec.ConnectionID)

	e, err := sub.Await(time.Second)
	require.NoError(t, err)

	payload, ok := e.Payload.(ReuseEvent)
	require.True(t, ok)
	require.False(t, payload.Accepted)
}
