/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-id/agent/pkg/internal/logutil"
	"github.com/calliope-id/agent/pkg/store/connection"
	"github.com/calliope-id/agent/pkg/vdr/fingerprint"
)

// ReceiveOptions tune how a received invitation is resolved.
type ReceiveOptions struct {
	// UseExistingConnection attempts handshake reuse against a connection
	// previously established with the inviter's public DID.
	UseExistingConnection bool
	// AutoAccept runs the handshake without waiting for caller approval.
	AutoAccept bool
	// Alias labels the resulting connection for the caller.
	Alias string
	// MediationID routes the new connection through a granted mediation.
	// Unresolvable ids are dropped with a warning.
	MediationID string
}

// ReceiveInvitation resolves a received invitation: it reuses an existing
// connection where possible, runs a handshake protocol otherwise, and
// forwards any attached requests. The returned record reflects the exchange's
// final durable state.
func (s *Service) ReceiveInvitation(inv *Invitation, opts *ReceiveOptions) (*Record, error) {
	if opts == nil {
		opts = &ReceiveOptions{UseExistingConnection: true}
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	mediationID := s.checkMediation(opts.MediationID)

	entry, err := inv.ServiceEntry()
	if err != nil {
		return nil, err
	}

	publicDID := ""
	if did, ok := ServiceAsDID(entry); ok {
		// long-form peer DIDs index connections under their short form
		publicDID = fingerprint.ShortFormDID(did)
	}

	rec := &Record{
		ID:           uuid.New().String(),
		InvitationID: inv.ID,
		Role:         RoleReceiver,
		State:        StateInitial,
		AutoAccept:   opts.AutoAccept,
		Alias:        opts.Alias,
		Invitation:   inv,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	var connRecord *connection.Record

	if publicDID != "" && opts.UseExistingConnection {
		connRecord, err = s.findReusableConnection(publicDID)
		if err != nil {
			return nil, err
		}
	}

	if connRecord != nil {
		rec.ConnectionID = connRecord.ConnectionID
	}

	if err := s.store.save(rec); err != nil {
		return nil, fmt.Errorf("save exchange record: %w", err)
	}

	s.publishState(rec)

	// an established connection with no attachments to deliver is only useful
	// if the inviter confirms the reuse
	if connRecord != nil && len(inv.Requests) == 0 {
		if err := s.ProposeReuse(rec, connRecord); err != nil {
			return nil, err
		}

		if rec.State == StateAccepted {
			return rec, nil
		}

		// rejected or timed out: fall through to a fresh handshake
		connRecord = nil
	}

	if connRecord == nil && rec.ConnectionID == "" && len(inv.Protocols) > 0 {
		connRecord, err = s.runHandshake(rec, inv, mediationID, opts)
		if err != nil {
			return nil, err
		}
	}

	if rec.ConnectionID != "" {
		if err := s.updateState(rec, StateDone); err != nil {
			return nil, err
		}
	} else {
		if err := s.updateState(rec, StatePrepareResponse); err != nil {
			return nil, err
		}
	}

	if len(inv.Requests) > 0 {
		if err := s.deliverAttachments(rec, connRecord); err != nil {
			return nil, err
		}
	}

	if rec.State == StateDone {
		// receiver-side records are single-use bookkeeping
		if err := s.store.delete(rec.ID); err != nil {
			logutil.LogError(logger, Name, "receiveInvitation", err.Error(),
				logutil.CreateKeyValueString("oobID", rec.ID))
		}
	}

	return rec, nil
}

// checkMediation validates a caller-supplied mediation id. An id that does
// not resolve is dropped rather than failing the whole exchange.
func (s *Service) checkMediation(mediationID string) string {
	if mediationID == "" {
		return ""
	}

	if err := s.mediator.ResolveMediation(mediationID); err != nil {
		logutil.LogInfo(logger, Name, "receiveInvitation", "dropping unresolvable mediation id: "+err.Error(),
			logutil.CreateKeyValueString("mediationID", mediationID))

		return ""
	}

	return mediationID
}

func (s *Service) findReusableConnection(publicDID string) (*connection.Record, error) {
	connectionID, err := s.connService.FindExistingConnection(publicDID)
	if err != nil {
		return nil, fmt.Errorf("find existing connection: %w", err)
	}

	if connectionID == "" {
		return nil, nil
	}

	connRecord, err := s.connRecorder.GetConnectionRecord(connectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: read connection %s: %s", ErrStorage, connectionID, err.Error())
	}

	return connRecord, nil
}

// runHandshake answers the invitation with the first mutually supported
// handshake protocol and binds the resulting connection to the record.
func (s *Service) runHandshake(rec *Record, inv *Invitation,
	mediationID string, opts *ReceiveOptions) (*connection.Record, error) {
	protocol, err := s.selectProtocol(inv.Protocols)
	if err != nil {
		return nil, err
	}

	connectionID, err := s.connService.RunHandshake(inv, protocol, &HandshakeOptions{
		Alias:       opts.Alias,
		MediationID: mediationID,
		AutoAccept:  opts.AutoAccept || s.cfg.AutoAccept,
	})
	if err != nil {
		return nil, fmt.Errorf("run handshake %s: %w", protocol, err)
	}

	rec.ConnectionID = connectionID

	if err := s.store.save(rec); err != nil {
		return nil, fmt.Errorf("save exchange record: %w", err)
	}

	connRecord, err := s.connRecorder.GetConnectionRecord(connectionID)
	if err != nil {
		logutil.LogDebug(logger, Name, "runHandshake", err.Error(),
			logutil.CreateKeyValueString("connectionID", connectionID))

		return nil, nil
	}

	return connRecord, nil
}

// selectProtocol returns the first invitation protocol this agent supports.
func (s *Service) selectProtocol(offered []string) (string, error) {
	supported := s.connService.SupportedHandshakeProtocols()

	for _, want := range offered {
		for _, have := range supported {
			if want == have {
				return want, nil
			}
		}
	}

	return "", fmt.Errorf("%w: offered %v", ErrUnsupportedHandshakeProtocol, offered)
}
