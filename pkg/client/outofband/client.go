/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package outofband provides a typed client for the out-of-band protocol
// service. It is the surface applications are expected to use; the protocol
// package underneath is shared with the inbound dispatch machinery.
package outofband

import (
	"fmt"
	"time"

	"github.com/calliope-id/agent/pkg/didcomm/protocol/outofband"
)

// OobService defines the protocol operations the client builds on.
type OobService interface {
	CreateInvitation(opts *outofband.CreateOptions) (*outofband.InvitationRecord, error)
	ReceiveInvitation(inv *outofband.Invitation, opts *outofband.ReceiveOptions) (*outofband.Record, error)
	Actions() ([]*outofband.Record, error)
	GetRecord(oobID string) (*outofband.Record, error)
	SweepStaleRecords(ttl time.Duration) (int, error)
}

// Provider supplies the client's dependencies.
type Provider interface {
	OutOfBandService() OobService
}

// Client is a typed facade over the out-of-band protocol service.
type Client struct {
	service OobService
}

// New returns a new out-of-band client.
func New(p Provider) (*Client, error) {
	svc := p.OutOfBandService()
	if svc == nil {
		return nil, fmt.Errorf("out-of-band service is not configured")
	}

	return &Client{service: svc}, nil
}

// MessageOption customizes an invitation being created.
type MessageOption func(*outofband.CreateOptions)

// WithLabel sets the invitation's label.
func WithLabel(label string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Label = label
	}
}

// WithGoal sets the invitation's goal and goal code.
func WithGoal(goal, goalCode string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Goal = goal
		o.GoalCode = goalCode
	}
}

// WithHandshakeProtocols restricts the handshake protocols offered on the
// invitation.
func WithHandshakeProtocols(protocols ...string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.HandshakeProtocols = protocols
	}
}

// WithAttachments embeds the referenced request payloads in the invitation.
func WithAttachments(refs ...outofband.AttachmentRef) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Attachments = refs
	}
}

// WithMultiUse makes the invitation redeemable more than once.
func WithMultiUse() MessageOption {
	return func(o *outofband.CreateOptions) {
		o.MultiUse = true
	}
}

// WithPublicDID emits the agent's public DID as the invitation's service entry.
func WithPublicDID() MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Public = true
	}
}

// WithDID emits the given caller-owned DID as the invitation's service entry.
func WithDID(did string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.UseDID = did
	}
}

// WithDIDMethod mints or reuses an invitation DID of the given method. Set
// unique to force a fresh DID.
func WithDIDMethod(method string, unique bool) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.UseDIDMethod = method
		o.CreateUniqueDID = unique
	}
}

// WithAlias labels the resulting connection.
func WithAlias(alias string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Alias = alias
	}
}

// WithMetadata attaches caller metadata to the placeholder connection record.
func WithMetadata(metadata map[string]string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Metadata = metadata
	}
}

// WithAccept advertises the given media type profiles on the invitation.
func WithAccept(profiles ...string) MessageOption {
	return func(o *outofband.CreateOptions) {
		o.Accept = profiles
	}
}

// CreateInvitation creates and persists a new out-of-band invitation.
func (c *Client) CreateInvitation(opts ...MessageOption) (*outofband.InvitationRecord, error) {
	options := &outofband.CreateOptions{}

	for _, opt := range opts {
		opt(options)
	}

	return c.service.CreateInvitation(options)
}

// ReceiveOption customizes how an invitation is accepted.
type ReceiveOption func(*outofband.ReceiveOptions)

// WithoutConnectionReuse disables handshake reuse against existing
// connections.
func WithoutConnectionReuse() ReceiveOption {
	return func(o *outofband.ReceiveOptions) {
		o.UseExistingConnection = false
	}
}

// WithAutoAccept runs the handshake without waiting for approval.
func WithAutoAccept() ReceiveOption {
	return func(o *outofband.ReceiveOptions) {
		o.AutoAccept = true
	}
}

// WithReceiveAlias labels the resulting connection.
func WithReceiveAlias(alias string) ReceiveOption {
	return func(o *outofband.ReceiveOptions) {
		o.Alias = alias
	}
}

// WithMediation routes the new connection through a granted mediation.
func WithMediation(mediationID string) ReceiveOption {
	return func(o *outofband.ReceiveOptions) {
		o.MediationID = mediationID
	}
}

// ReceiveInvitation accepts an out-of-band invitation and drives it to its
// final durable state.
func (c *Client) ReceiveInvitation(inv *outofband.Invitation, opts ...ReceiveOption) (*outofband.Record, error) {
	options := &outofband.ReceiveOptions{UseExistingConnection: true}

	for _, opt := range opts {
		opt(options)
	}

	return c.service.ReceiveInvitation(inv, options)
}

// ReceiveInvitationFromURL decodes an invitation URL and accepts it.
func (c *Client) ReceiveInvitationFromURL(invitationURL string, opts ...ReceiveOption) (*outofband.Record, error) {
	inv, err := outofband.ParseInvitationURL(invitationURL)
	if err != nil {
		return nil, err
	}

	return c.ReceiveInvitation(inv, opts...)
}

// Actions returns the sender-side exchanges still awaiting a response.
func (c *Client) Actions() ([]*outofband.Record, error) {
	return c.service.Actions()
}

// GetRecord returns the exchange record with the given id.
func (c *Client) GetRecord(oobID string) (*outofband.Record, error) {
	return c.service.GetRecord(oobID)
}

// SweepStaleRecords deletes single-use invitations that have been awaiting a
// response for longer than ttl.
func (c *Client) SweepStaleRecords(ttl time.Duration) (int, error) {
	return c.service.SweepStaleRecords(ttl)
}
