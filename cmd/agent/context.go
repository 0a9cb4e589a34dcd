/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	oobclient "github.com/calliope-id/agent/pkg/client/outofband"
	"github.com/calliope-id/agent/pkg/didcomm/common/service"
	"github.com/calliope-id/agent/pkg/didcomm/dispatcher"
	"github.com/calliope-id/agent/pkg/didcomm/dispatcher/outbound"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
	"github.com/calliope-id/agent/pkg/didcomm/protocol/outofband"
	"github.com/calliope-id/agent/pkg/events"
	"github.com/calliope-id/agent/pkg/store/connection"
	"github.com/calliope-id/agent/pkg/wallet"
)

// agentContext wires the out-of-band service with in-process dependencies.
// Handshake execution and attachment processing belong to protocol services
// this binary does not ship; their collaborators here are standalone stand-ins
// good for invitation tooling.
type agentContext struct {
	storageProvider storage.Provider
	recorder        *connection.Recorder
	bus             *events.Bus
	keyManager      wallet.KeyManager
	outbound        dispatcher.Outbound
	cfg             *outofband.Config
	oobService      *outofband.Service
}

func newAgentContext(cfg *outofband.Config) (*agentContext, error) {
	ctx := &agentContext{
		storageProvider: mem.NewProvider(),
		bus:             events.NewBus(),
		keyManager:      wallet.New(),
		outbound:        outbound.New(nil),
		cfg:             cfg,
	}

	recorder, err := connection.NewRecorder(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}

	ctx.recorder = recorder

	svc, err := outofband.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize out-of-band service: %w", err)
	}

	ctx.oobService = svc

	return ctx, nil
}

func (c *agentContext) StorageProvider() storage.Provider        { return c.storageProvider }
func (c *agentContext) ConnectionRecorder() *connection.Recorder { return c.recorder }
func (c *agentContext) EventBus() *events.Bus                    { return c.bus }
func (c *agentContext) KeyManager() wallet.KeyManager            { return c.keyManager }
func (c *agentContext) Outbound() dispatcher.Outbound            { return c.outbound }
func (c *agentContext) ServiceConfig() *outofband.Config         { return c.cfg }

func (c *agentContext) ConnectionService() outofband.ConnectionService { return &localConnectionService{} }

func (c *agentContext) DIDManager() outofband.DIDManager {
	return &localDIDManager{publicDID: c.cfg.PublicDID}
}

func (c *agentContext) Mediator() outofband.Mediator                     { return &localMediator{} }
func (c *agentContext) MessageProcessor() outofband.MessageProcessor     { return &loggingProcessor{} }
func (c *agentContext) AttachmentResolver() outofband.AttachmentResolver { return &noAttachments{} }

func (c *agentContext) OutOfBandService() oobclient.OobService { return c.oobService }

// localConnectionService advertises the standard handshake protocols but
// cannot run them; invitation tooling never gets that far.
type localConnectionService struct{}

func (s *localConnectionService) ResolveInvitationService(entry interface{}) (*service.Destination, error) {
	if block, ok := outofband.ServiceAsBlock(entry); ok {
		return &service.Destination{
			ServiceEndpoint: block.ServiceEndpoint,
			RecipientKeys:   block.RecipientKeys,
			RoutingKeys:     block.RoutingKeys,
		}, nil
	}

	return nil, fmt.Errorf("DID service resolution requires a VDR, which this binary does not ship")
}

func (s *localConnectionService) RunHandshake(*outofband.Invitation, string,
	*outofband.HandshakeOptions) (string, error) {
	return "", fmt.Errorf("no handshake protocol service is configured")
}

func (s *localConnectionService) FindExistingConnection(string) (string, error) { return "", nil }

func (s *localConnectionService) GetConnectionTargets(string) ([]*service.Destination, error) {
	return nil, fmt.Errorf("no handshake protocol service is configured")
}

func (s *localConnectionService) SupportedHandshakeProtocols() []string {
	return []string{"https://didcomm.org/didexchange/1.0"}
}

type localDIDManager struct {
	publicDID string
}

func (m *localDIDManager) PublicDID() (string, error) { return m.publicDID, nil }

func (m *localDIDManager) ResolveLocalDID(did string) (string, error) {
	if did == m.publicDID && did != "" {
		return did, nil
	}

	return "", fmt.Errorf("%w: %s", outofband.ErrDIDNotFound, did)
}

func (m *localDIDManager) CreateDID(method string) (string, error) {
	return "", fmt.Errorf("%w: %s", outofband.ErrUnsupportedDIDMethod, method)
}

// localMediator accepts every key: without a router, inbound traffic already
// lands on the configured endpoint.
type localMediator struct{}

func (m *localMediator) RegisterRecipientKey(string) error { return nil }

func (m *localMediator) ResolveMediation(mediationID string) error {
	return fmt.Errorf("unknown mediation %s", mediationID)
}

type loggingProcessor struct{}

func (p *loggingProcessor) ProcessMessage(msg service.DIDCommMsgMap,
	_ *service.Destination, connectionID string) error {
	logger.Infof("received attached request type=%s id=%s connection=%s", msg.Type(), msg.ID(), connectionID)

	return nil
}

type noAttachments struct{}

func (n *noAttachments) ResolveAttachment(ref outofband.AttachmentRef, _ string) (*decorator.Attachment, error) {
	return nil, fmt.Errorf("no attachment source is configured for %s", ref.ID)
}
