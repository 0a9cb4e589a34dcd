/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
	"github.com/calliope-id/agent/pkg/internal/logutil"
	"github.com/calliope-id/agent/pkg/store/connection"
	"github.com/calliope-id/agent/pkg/vdr/fingerprint"
)

// didCommServiceType is the service type used on inline service blocks.
const didCommServiceType = "did-communication"

// CreateOptions tune the shape of a new invitation.
type CreateOptions struct {
	// Public emits the agent's public DID as the invitation's service entry.
	Public bool
	// UseDID emits the given caller-owned DID as the service entry.
	UseDID string
	// UseDIDMethod mints (or reuses) an invitation DID of the given method.
	UseDIDMethod string
	// CreateUniqueDID forces a fresh DID even when one could be reused.
	CreateUniqueDID bool
	// HandshakeProtocols restricts the advertised handshake protocols.
	// Defaults to everything the agent supports.
	HandshakeProtocols []string
	// Attachments references stored payloads to carry on the invitation.
	Attachments []AttachmentRef
	// MultiUse marks the invitation as redeemable more than once.
	MultiUse bool
	// Alias labels the resulting connection for the caller.
	Alias string
	// Metadata is attached to the placeholder connection record.
	Metadata map[string]string
	// Label overrides the agent's configured label.
	Label string
	// Goal and GoalCode describe the sender's intent.
	Goal     string
	GoalCode string
	// Accept overrides the advertised media type profiles.
	Accept []string
}

// InvitationRecord is the result of creating an invitation.
type InvitationRecord struct {
	OobID         string      `json:"oob_id"`
	Invitation    *Invitation `json:"invitation"`
	InvitationURL string      `json:"invitation_url"`
	InvitationKey string      `json:"invitation_key,omitempty"`
}

// inviteTarget is what a creation strategy produces: the invitation's service
// entry plus the key the exchange is tracked under.
type inviteTarget struct {
	serviceEntry  interface{}
	invitationKey string
	invitationDID string
	recipientKey  string
}

type createStrategy interface {
	build(s *Service, opts *CreateOptions) (*inviteTarget, error)
}

type publicDIDStrategy struct{}

func (publicDIDStrategy) build(s *Service, _ *CreateOptions) (*inviteTarget, error) {
	if !s.cfg.PublicInvites {
		return nil, fmt.Errorf("%w: public invitations are not enabled", ErrInvalidRequest)
	}

	did, err := s.didManager.PublicDID()
	if err != nil {
		return nil, fmt.Errorf("resolve public DID: %w", err)
	}

	if did == "" {
		return nil, fmt.Errorf("%w: cannot create public invitation", ErrNoPublicDID)
	}

	return &inviteTarget{serviceEntry: did, invitationKey: did, invitationDID: did}, nil
}

type localDIDStrategy struct {
	did string
}

func (t localDIDStrategy) build(s *Service, _ *CreateOptions) (*inviteTarget, error) {
	did, err := s.didManager.ResolveLocalDID(t.did)
	if err != nil {
		return nil, fmt.Errorf("resolve local DID %s: %w", t.did, err)
	}

	return &inviteTarget{serviceEntry: did, invitationKey: did, invitationDID: did}, nil
}

type didMethodStrategy struct {
	method string
	unique bool
}

func (t didMethodStrategy) build(s *Service, _ *CreateOptions) (*inviteTarget, error) {
	if !t.unique {
		did, err := s.store.invitationDID(t.method)
		if err != nil {
			return nil, err
		}

		if did != "" {
			return &inviteTarget{serviceEntry: did, invitationKey: did, invitationDID: did}, nil
		}
	}

	did, err := s.didManager.CreateDID(t.method)
	if err != nil {
		return nil, fmt.Errorf("create %s DID: %w", t.method, err)
	}

	if !t.unique {
		if err := s.store.saveInvitationDID(t.method, did); err != nil {
			return nil, err
		}
	}

	return &inviteTarget{serviceEntry: did, invitationKey: did, invitationDID: did}, nil
}

type inlineKeyStrategy struct{}

func (inlineKeyStrategy) build(s *Service, _ *CreateOptions) (*inviteTarget, error) {
	keyInfo, err := s.keyManager.CreateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("create signing key: %w", err)
	}

	didKey, _ := fingerprint.CreateDIDKey(keyInfo.PubKeyBytes)

	block := &decorator.Service{
		ID:              uuid.New().String(),
		Type:            didCommServiceType,
		RecipientKeys:   []string{didKey},
		ServiceEndpoint: s.cfg.ServiceEndpoint,
	}

	return &inviteTarget{serviceEntry: block, invitationKey: keyInfo.VerKey, recipientKey: didKey}, nil
}

// selectStrategy picks the service-entry strategy and enforces the mutual
// exclusivity of the DID options.
func selectStrategy(opts *CreateOptions) (createStrategy, error) {
	chosen := 0

	if opts.Public {
		chosen++
	}

	if opts.UseDID != "" {
		chosen++
	}

	if opts.UseDIDMethod != "" {
		chosen++
	}

	if chosen > 1 {
		return nil, fmt.Errorf("%w: public, useDID, and useDIDMethod are mutually exclusive", ErrInvalidRequest)
	}

	switch {
	case opts.Public:
		return publicDIDStrategy{}, nil
	case opts.UseDID != "":
		return localDIDStrategy{did: opts.UseDID}, nil
	case opts.UseDIDMethod != "":
		return didMethodStrategy{method: opts.UseDIDMethod, unique: opts.CreateUniqueDID}, nil
	default:
		return inlineKeyStrategy{}, nil
	}
}

func validateCreateOptions(opts *CreateOptions) error {
	if len(opts.HandshakeProtocols) == 0 && len(opts.Attachments) == 0 {
		return fmt.Errorf("%w: at least one handshake protocol or attachment is required", ErrInvalidRequest)
	}

	if opts.MultiUse && len(opts.Attachments) > 0 {
		return fmt.Errorf("%w: multi-use invitations cannot carry attachments", ErrInvalidRequest)
	}

	if len(opts.Metadata) > 0 && len(opts.HandshakeProtocols) == 0 {
		return fmt.Errorf("%w: metadata requires a handshake protocol", ErrInvalidRequest)
	}

	if opts.CreateUniqueDID && opts.UseDIDMethod == "" {
		return fmt.Errorf("%w: createUniqueDID requires useDIDMethod", ErrInvalidRequest)
	}

	if (opts.Goal == "") != (opts.GoalCode == "") {
		return fmt.Errorf("%w: goal and goalCode must be set together", ErrInvalidRequest)
	}

	return nil
}

// CreateInvitation builds, persists, and encodes a new out-of-band invitation.
func (s *Service) CreateInvitation(opts *CreateOptions) (*InvitationRecord, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}

	if len(opts.HandshakeProtocols) == 0 && len(opts.Attachments) == 0 {
		opts.HandshakeProtocols = s.connService.SupportedHandshakeProtocols()
	}

	if err := validateCreateOptions(opts); err != nil {
		return nil, err
	}

	protocols, err := s.intersectProtocols(opts.HandshakeProtocols)
	if err != nil {
		return nil, err
	}

	strategy, err := selectStrategy(opts)
	if err != nil {
		return nil, err
	}

	invitationID := uuid.New().String()

	attachments, err := s.resolveAttachments(opts.Attachments, invitationID)
	if err != nil {
		return nil, err
	}

	target, err := strategy.build(s, opts)
	if err != nil {
		return nil, err
	}

	label := opts.Label
	if label == "" {
		label = s.cfg.Label
	}

	accept := opts.Accept
	if len(accept) == 0 {
		accept = s.cfg.MediaTypeProfiles
	}

	inv := &Invitation{
		ID:        invitationID,
		Type:      InvitationMsgType,
		Label:     label,
		Goal:      opts.Goal,
		GoalCode:  opts.GoalCode,
		ImageURL:  s.cfg.ImageURL,
		Accept:    accept,
		Protocols: protocols,
		Services:  []interface{}{target.serviceEntry},
		Requests:  attachments,
	}

	placeholderConnID := ""

	if len(protocols) > 0 {
		connID, err := s.savePlaceholderConnection(inv, target, opts)
		if err != nil {
			return nil, err
		}

		placeholderConnID = connID
	}

	rec := &Record{
		ID:              uuid.New().String(),
		InvitationID:    invitationID,
		Role:            RoleSender,
		State:           StateAwaitResponse,
		ConnectionID:    placeholderConnID,
		OurRecipientKey: target.recipientKey,
		MultiUse:        opts.MultiUse,
		Alias:           opts.Alias,
		Invitation:      inv,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	// Connection-less invitations answer replies at the inline service block
	// rather than through a connection, so remember it as our reply target.
	if len(protocols) == 0 {
		if block, ok := target.serviceEntry.(*decorator.Service); ok {
			rec.OurService = block
		}
	}

	if err := s.store.save(rec); err != nil {
		return nil, fmt.Errorf("save exchange record: %w", err)
	}

	s.publishState(rec)

	// the raw invitation verkey is what gets routed, matching the
	// connection-less reply provisioning on the receiver side
	if target.recipientKey != "" {
		if err := s.mediator.RegisterRecipientKey(target.invitationKey); err != nil {
			return nil, fmt.Errorf("register routing for invitation key: %w", err)
		}
	}

	invitationURL, err := inv.ToURL(s.cfg.BaseInvitationURL)
	if err != nil {
		return nil, err
	}

	logutil.LogInfo(logger, Name, "createInvitation", "created",
		logutil.CreateKeyValueString("invitationID", invitationID),
		logutil.CreateKeyValueString("oobID", rec.ID))

	return &InvitationRecord{
		OobID:         rec.ID,
		Invitation:    inv,
		InvitationURL: invitationURL,
		InvitationKey: target.invitationKey,
	}, nil
}

// intersectProtocols keeps the requested protocols this agent actually
// supports, preserving request order.
func (s *Service) intersectProtocols(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	supported := s.connService.SupportedHandshakeProtocols()
	matched := make([]string, 0, len(requested))

	for _, want := range requested {
		for _, have := range supported {
			if want == have {
				matched = append(matched, want)
				break
			}
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: requested %s", ErrUnsupportedHandshakeProtocol, strings.Join(requested, ", "))
	}

	return matched, nil
}

func (s *Service) resolveAttachments(refs []AttachmentRef, threadID string) ([]*decorator.Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	attachments := make([]*decorator.Attachment, 0, len(refs))

	for _, ref := range refs {
		attachment, err := s.resolver.ResolveAttachment(ref, threadID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve attachment %s: %s", ErrInvalidRequest, ref.ID, err.Error())
		}

		attachments = append(attachments, attachment)
	}

	return attachments, nil
}

// savePlaceholderConnection records the pending connection the invitation
// promises, together with the invitation payload and caller metadata, in one
// storage batch. It returns the placeholder's connection id.
func (s *Service) savePlaceholderConnection(inv *Invitation, target *inviteTarget, opts *CreateOptions) (string, error) {
	connRecord := &connection.Record{
		ConnectionID:  uuid.New().String(),
		State:         connection.StateInvitation,
		InvitationID:  inv.ID,
		InvitationDID: target.invitationDID,
		InvitationKey: target.invitationKey,
		Alias:         opts.Alias,
	}

	if err := s.connRecorder.SaveConnectionInvitation(connRecord, inv, opts.Metadata); err != nil {
		return "", fmt.Errorf("save placeholder connection: %w", err)
	}

	return connRecord.ConnectionID, nil
}
