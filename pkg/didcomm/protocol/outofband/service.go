/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/calliope-id/agent/pkg/didcomm/common/service"
	"github.com/calliope-id/agent/pkg/didcomm/dispatcher"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
	"github.com/calliope-id/agent/pkg/events"
	"github.com/calliope-id/agent/pkg/internal/logutil"
	"github.com/calliope-id/agent/pkg/store/connection"
	"github.com/calliope-id/agent/pkg/wallet"
)

var logger = log.New("calliope-agent/outofband")

const (
	// TopicStateChanged carries StateEvent payloads for every exchange record
	// state move.
	TopicStateChanged = "outofband_state"
	// TopicHandshakeReused carries ReuseEvent payloads whenever a handshake
	// reuse attempt concludes on either side.
	TopicHandshakeReused = "outofband_handshake_reused"

	defaultReuseTimeout = 15 * time.Second
	defaultReadyTimeout = 7 * time.Second
)

// StateEvent is the payload published on TopicStateChanged.
type StateEvent struct {
	OobID        string
	InvitationID string
	Role         string
	State        string
	ConnectionID string
}

// ReuseEvent is the payload published on TopicHandshakeReused.
type ReuseEvent struct {
	InvitationID string
	ConnectionID string
	ReuseMsgID   string
	Accepted     bool
}

// HandshakeOptions tune how a handshake protocol run responds to an invitation.
type HandshakeOptions struct {
	Alias       string
	MediationID string
	AutoAccept  bool
}

// ConnectionService drives the pairwise handshake protocols on behalf of this
// protocol.
type ConnectionService interface {
	// ResolveInvitationService resolves a service entry, either a DID string
	// or an inline service block, to concrete delivery details.
	ResolveInvitationService(entry interface{}) (*service.Destination, error)

	// RunHandshake responds to the invitation with the named handshake
	// protocol and returns the new connection's id.
	RunHandshake(invitation *Invitation, protocol string, opts *HandshakeOptions) (string, error)

	// FindExistingConnection returns the id of a usable connection previously
	// established with the given public DID, or "" when there is none.
	FindExistingConnection(publicDID string) (string, error)

	// GetConnectionTargets returns delivery targets for an established
	// connection.
	GetConnectionTargets(connectionID string) ([]*service.Destination, error)

	// SupportedHandshakeProtocols lists the handshake protocols this agent can
	// respond with, in preference order.
	SupportedHandshakeProtocols() []string
}

// DIDManager owns the agent's local DID material.
type DIDManager interface {
	// PublicDID returns the agent's resolvable public DID, or "" when none is
	// configured.
	PublicDID() (string, error)

	// ResolveLocalDID verifies the given DID belongs to this agent and
	// returns it. It fails with an error matching ErrDIDNotFound otherwise.
	ResolveLocalDID(did string) (string, error)

	// CreateDID mints a new DID of the given method.
	CreateDID(method string) (string, error)
}

// Mediator manages inbound routing for recipient keys and mediated
// connections.
type Mediator interface {
	// RegisterRecipientKey asks the mediator to route inbound traffic for the
	// given key to this agent.
	RegisterRecipientKey(key string) error

	// ResolveMediation verifies a mediation id refers to a granted mediation.
	ResolveMediation(mediationID string) error
}

// MessageProcessor consumes protocol messages carried as invitation
// attachments.
type MessageProcessor interface {
	ProcessMessage(msg service.DIDCommMsgMap, replyTo *service.Destination, connectionID string) error
}

// AttachmentRef identifies a stored payload to embed in an invitation.
type AttachmentRef struct {
	ID   string
	Type string
}

// AttachmentResolver materializes attachment references into message
// attachments bound to the invitation's thread.
type AttachmentResolver interface {
	ResolveAttachment(ref AttachmentRef, threadID string) (*decorator.Attachment, error)
}

// Config carries the service's operational settings.
type Config struct {
	// Label is the agent's human-readable name placed on invitations.
	Label string
	// ImageURL optionally decorates invitations with an avatar.
	ImageURL string
	// ServiceEndpoint is this agent's inbound DIDComm endpoint.
	ServiceEndpoint string
	// BaseInvitationURL prefixes shareable invitation URLs. Defaults to
	// ServiceEndpoint.
	BaseInvitationURL string
	// PublicDID is the agent's resolvable public DID, when it has one.
	PublicDID string
	// PublicInvites permits invitations that advertise the public DID.
	PublicInvites bool
	// AutoAccept makes received invitations progress without caller
	// intervention.
	AutoAccept bool
	// MediaTypeProfiles advertises the envelope formats this agent accepts.
	MediaTypeProfiles []string
	// ReuseTimeout bounds the wait for a handshake reuse outcome.
	ReuseTimeout time.Duration
	// ReadyTimeout bounds the wait for a connection to become usable.
	ReadyTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseInvitationURL == "" {
		c.BaseInvitationURL = c.ServiceEndpoint
	}

	if c.ReuseTimeout == 0 {
		c.ReuseTimeout = defaultReuseTimeout
	}

	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
}

// Provider supplies this protocol's dependencies.
type Provider interface {
	StorageProvider() storage.Provider
	ConnectionRecorder() *connection.Recorder
	ConnectionService() ConnectionService
	DIDManager() DIDManager
	Mediator() Mediator
	MessageProcessor() MessageProcessor
	AttachmentResolver() AttachmentResolver
	Outbound() dispatcher.Outbound
	EventBus() *events.Bus
	KeyManager() wallet.KeyManager
	ServiceConfig() *Config
}

// Service implements the out-of-band protocol.
type Service struct {
	cfg          *Config
	store        *recordStore
	connRecorder *connection.Recorder
	connService  ConnectionService
	didManager   DIDManager
	mediator     Mediator
	processor    MessageProcessor
	resolver     AttachmentResolver
	outbound     dispatcher.Outbound
	bus          *events.Bus
	keyManager   wallet.KeyManager
}

// New returns a new out-of-band protocol service.
func New(p Provider) (*Service, error) {
	store, err := newRecordStore(p.StorageProvider())
	if err != nil {
		return nil, fmt.Errorf("outofband: %w", err)
	}

	cfg := p.ServiceConfig()
	if cfg == nil {
		cfg = &Config{}
	}

	cfg.setDefaults()

	return &Service{
		cfg:          cfg,
		store:        store,
		connRecorder: p.ConnectionRecorder(),
		connService:  p.ConnectionService(),
		didManager:   p.DIDManager(),
		mediator:     p.Mediator(),
		processor:    p.MessageProcessor(),
		resolver:     p.AttachmentResolver(),
		outbound:     p.Outbound(),
		bus:          p.EventBus(),
		keyManager:   p.KeyManager(),
	}, nil
}

// Name returns this service's protocol name.
func (s *Service) Name() string {
	return Name
}

// Accept reports whether this service handles the given message type.
func (s *Service) Accept(msgType string) bool {
	switch msgType {
	case InvitationMsgType, HandshakeReuseMsgType, HandshakeReuseAcceptedMsgType, ProblemReportMsgType:
		return true
	}

	return false
}

// HandleInbound dispatches an inbound protocol message. Handler failures are
// logged and, for peer-initiated messages, reported back as problem reports
// rather than propagated, so one bad message cannot take down the dispatch
// loop.
func (s *Service) HandleInbound(msg service.DIDCommMsgMap, conn *connection.Record) error {
	logutil.LogDebug(logger, Name, "handleInbound", "received",
		logutil.CreateKeyValueString("msgType", msg.Type()), logutil.CreateKeyValueString("msgID", msg.ID()))

	if !s.Accept(msg.Type()) {
		return fmt.Errorf("unsupported message type %s", msg.Type())
	}

	var err error

	switch msg.Type() {
	case InvitationMsgType:
		err = s.handleInboundInvitation(msg)
	case HandshakeReuseMsgType:
		err = s.ReceiveReuse(msg, conn)
		if err != nil {
			s.replyWithProblemReport(msg, conn, err)
		}
	case HandshakeReuseAcceptedMsgType:
		err = s.ReceiveReuseAccepted(msg, conn)
	case ProblemReportMsgType:
		err = s.ReceiveProblemReport(msg, conn)
	}

	if err != nil {
		logutil.LogError(logger, Name, "handleInbound", err.Error(),
			logutil.CreateKeyValueString("msgType", msg.Type()), logutil.CreateKeyValueString("msgID", msg.ID()))
	}

	return err
}

func (s *Service) handleInboundInvitation(msg service.DIDCommMsgMap) error {
	inv := &Invitation{}
	if err := msg.Decode(inv); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInvitation, err.Error())
	}

	if !s.cfg.AutoAccept {
		logutil.LogInfo(logger, Name, "handleInboundInvitation", "auto-accept disabled, invitation queued",
			logutil.CreateKeyValueString("invitationID", inv.ID))

		rec := &Record{
			ID:           uuid.New().String(),
			InvitationID: inv.ID,
			Role:         RoleReceiver,
			State:        StateInitial,
			Invitation:   inv,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}

		return s.store.save(rec)
	}

	_, err := s.ReceiveInvitation(inv, &ReceiveOptions{UseExistingConnection: true, AutoAccept: true})

	return err
}

// replyWithProblemReport sends a problem report threaded to the failed
// message. Delivery is best effort.
func (s *Service) replyWithProblemReport(msg service.DIDCommMsgMap, conn *connection.Record, cause error) {
	if conn == nil {
		return
	}

	report := &ProblemReport{
		ID:   uuid.New().String(),
		Type: ProblemReportMsgType,
		Thread: &decorator.Thread{
			ID:  msg.ID(),
			PID: msg.ParentThreadID(),
		},
		Description: ProblemReportDescription{
			En:   cause.Error(),
			Code: "existing-connection-not-active",
		},
	}

	targets, err := s.connService.GetConnectionTargets(conn.ConnectionID)
	if err != nil {
		logutil.LogError(logger, Name, "replyWithProblemReport", err.Error(),
			logutil.CreateKeyValueString("connectionID", conn.ConnectionID))

		return
	}

	if err := s.outbound.Send(service.NewDIDCommMsgMap(report), targets); err != nil {
		logutil.LogError(logger, Name, "replyWithProblemReport", err.Error(),
			logutil.CreateKeyValueString("connectionID", conn.ConnectionID))
	}
}

// updateState moves a record to a new state, persists it, and publishes a
// state event. Illegal transitions fail without touching storage.
func (s *Service) updateState(rec *Record, next string) error {
	if !canTransition(rec.State, next) {
		return fmt.Errorf("%w: illegal state transition %s -> %s", ErrInvalidRequest, rec.State, next)
	}

	rec.State = next
	rec.UpdatedAt = time.Now()

	if err := s.store.save(rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	s.publishState(rec)

	return nil
}

func (s *Service) publishState(rec *Record) {
	s.bus.Publish(TopicStateChanged, StateEvent{
		OobID:        rec.ID,
		InvitationID: rec.InvitationID,
		Role:         rec.Role,
		State:        rec.State,
		ConnectionID: rec.ConnectionID,
	})
}

// GetRecord returns the exchange record with the given id.
func (s *Service) GetRecord(oobID string) (*Record, error) {
	return s.store.get(oobID)
}

// Actions returns the sender-side exchanges still awaiting a response.
func (s *Service) Actions() ([]*Record, error) {
	return s.store.queryByRoleState(RoleSender, StateAwaitResponse)
}

// SweepStaleRecords deletes single-use sender records that have been awaiting
// a response for longer than ttl. It returns the number of records removed.
func (s *Service) SweepStaleRecords(ttl time.Duration) (int, error) {
	records, err := s.store.queryByRoleState(RoleSender, StateAwaitResponse)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0

	for _, rec := range records {
		if rec.MultiUse || rec.UpdatedAt.After(cutoff) {
			continue
		}

		if err := s.store.delete(rec.ID); err != nil {
			logutil.LogError(logger, Name, "sweepStaleRecords", err.Error(),
				logutil.CreateKeyValueString("oobID", rec.ID))

			continue
		}

		removed++
	}

	return removed, nil
}
