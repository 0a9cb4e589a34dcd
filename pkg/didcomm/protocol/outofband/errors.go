/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import "errors"

// Error taxonomy for the out-of-band protocol. Callers are expected to match
// with errors.Is; messages wrap these sentinels with operation context.
var (
	// ErrInvalidRequest indicates the caller supplied a malformed or
	// contradictory set of options.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidInvitation indicates a structurally invalid invitation.
	ErrInvalidInvitation = errors.New("invalid invitation")

	// ErrNoPublicDID indicates the agent has no public DID to emit in an
	// invitation.
	ErrNoPublicDID = errors.New("no public DID configured")

	// ErrDIDNotFound indicates a caller-specified DID is unknown to this agent.
	ErrDIDNotFound = errors.New("DID not found")

	// ErrUnsupportedDIDMethod indicates a DID method this agent cannot mint.
	ErrUnsupportedDIDMethod = errors.New("unsupported DID method")

	// ErrUnsupportedHandshakeProtocol indicates no overlap between the
	// invitation's handshake protocols and the agent's.
	ErrUnsupportedHandshakeProtocol = errors.New("no supported handshake protocol")

	// ErrConnectionNotReady indicates a connection did not reach a usable
	// state in time.
	ErrConnectionNotReady = errors.New("connection not ready")

	// ErrExchangeNotFound indicates no out-of-band exchange record matches an
	// incoming protocol message.
	ErrExchangeNotFound = errors.New("out-of-band exchange not found")

	// ErrTransport indicates an outbound delivery failure.
	ErrTransport = errors.New("transport failure")

	// ErrStorage indicates a persistence failure underneath a protocol
	// operation.
	ErrStorage = errors.New("storage failure")
)
