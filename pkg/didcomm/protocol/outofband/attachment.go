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
	"github.com/calliope-id/agent/pkg/vdr/fingerprint"
)

// deliverAttachments hands the invitation's attached requests to the message
// processor. With a connection bound to the record the connection must be
// usable first; without one a connection-less reply service is provisioned.
func (s *Service) deliverAttachments(rec *Record, connRecord *connection.Record) error {
	if rec.ConnectionID != "" {
		if connRecord == nil || !connRecord.IsReady() {
			ready, err := s.awaitConnectionReady(rec.ConnectionID, s.cfg.ReadyTimeout)
			if err != nil {
				return err
			}

			connRecord = ready
		}
	} else if err := s.provisionReplyService(rec); err != nil {
		return err
	}

	entry, err := rec.Invitation.ServiceEntry()
	if err != nil {
		return err
	}

	replyTo, err := s.connService.ResolveInvitationService(entry)
	if err != nil {
		return fmt.Errorf("resolve invitation service: %w", err)
	}

	s.forwardAttachments(rec, replyTo)

	return nil
}

// provisionReplyService mints a fresh recipient key and reply service for a
// connection-less exchange so responses to the attached requests can reach
// this agent.
func (s *Service) provisionReplyService(rec *Record) error {
	keyInfo, err := s.keyManager.CreateSigningKey()
	if err != nil {
		return fmt.Errorf("create reply key: %w", err)
	}

	didKey, _ := fingerprint.CreateDIDKey(keyInfo.PubKeyBytes)

	rec.OurRecipientKey = didKey
	rec.OurService = &decorator.Service{
		ID:              uuid.New().String(),
		Type:            didCommServiceType,
		RecipientKeys:   []string{didKey},
		ServiceEndpoint: s.cfg.ServiceEndpoint,
	}

	if err := s.mediator.RegisterRecipientKey(keyInfo.VerKey); err != nil {
		return fmt.Errorf("register routing for reply key: %w", err)
	}

	if err := s.store.save(rec); err != nil {
		return fmt.Errorf("save exchange record: %w", err)
	}

	return nil
}

// forwardAttachments decodes each attached request and hands it to the
// processor. A broken attachment is logged and skipped so the remaining ones
// still go through.
func (s *Service) forwardAttachments(rec *Record, replyTo *service.Destination) {
	for _, request := range rec.Invitation.Requests {
		raw, err := request.Data.Fetch()
		if err != nil {
			logutil.LogError(logger, Name, "forwardAttachments", "skipping attachment: "+err.Error(),
				logutil.CreateKeyValueString("attachmentID", request.ID))

			continue
		}

		msg, err := service.ParseDIDCommMsgMap(raw)
		if err != nil {
			logutil.LogError(logger, Name, "forwardAttachments", "skipping attachment: "+err.Error(),
				logutil.CreateKeyValueString("attachmentID", request.ID))

			continue
		}

		// attached requests run under the invitation's thread
		if msg.ParentThreadID() == "" {
			msg.SetThread(msg.ThreadID(), rec.InvitationID)
		}

		if err := s.processor.ProcessMessage(msg, replyTo, rec.ConnectionID); err != nil {
			logutil.LogError(logger, Name, "forwardAttachments", err.Error(),
				logutil.CreateKeyValueString("attachmentID", request.ID))
		}
	}
}
