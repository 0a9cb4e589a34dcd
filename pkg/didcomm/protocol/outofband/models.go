/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
)

const (
	// Name of this protocol.
	Name = "out-of-band"
	// PIURI is the protocol identifier URI.
	PIURI = "https://didcomm.org/out-of-band/1.1"
	// InvitationMsgType is the '@type' for the invitation message.
	InvitationMsgType = PIURI + "/invitation"
	// HandshakeReuseMsgType is the '@type' for the reuse message.
	HandshakeReuseMsgType = PIURI + "/handshake-reuse"
	// HandshakeReuseAcceptedMsgType is the '@type' for the reuse-accepted message.
	HandshakeReuseAcceptedMsgType = PIURI + "/handshake-reuse-accepted"
	// ProblemReportMsgType is the '@type' for the problem report message.
	ProblemReportMsgType = PIURI + "/problem_report"
)

// invitationURLParam is the query parameter carrying the encoded invitation.
const invitationURLParam = "oob"

// Invitation is the out-of-band protocol's invitation message.
type Invitation struct {
	ID        string                  `json:"@id"`
	Type      string                  `json:"@type"`
	Label     string                  `json:"label,omitempty"`
	Goal      string                  `json:"goal,omitempty"`
	GoalCode  string                  `json:"goal_code,omitempty"`
	ImageURL  string                  `json:"imageUrl,omitempty"`
	Accept    []string                `json:"accept,omitempty"`
	Protocols []string                `json:"handshake_protocols,omitempty"`
	Services  []interface{}           `json:"services"`
	Requests  []*decorator.Attachment `json:"requests~attach,omitempty"`
}

// HandshakeReuse is the out-of-band protocol's handshake-reuse message.
type HandshakeReuse struct {
	ID     string            `json:"@id"`
	Type   string            `json:"@type"`
	Thread *decorator.Thread `json:"~thread,omitempty"`
}

// HandshakeReuseAccepted is the out-of-band protocol's handshake-reuse-accepted message.
type HandshakeReuseAccepted struct {
	ID     string            `json:"@id"`
	Type   string            `json:"@type"`
	Thread *decorator.Thread `json:"~thread,omitempty"`
}

// ProblemReportDescription holds the human-readable and machine-readable halves
// of a problem report.
type ProblemReportDescription struct {
	En   string `json:"en,omitempty"`
	Code string `json:"code"`
}

// ProblemReport is the out-of-band protocol's problem report message.
type ProblemReport struct {
	ID          string                   `json:"@id"`
	Type        string                   `json:"@type"`
	Thread      *decorator.Thread        `json:"~thread,omitempty"`
	Description ProblemReportDescription `json:"description"`
}

// Validate checks the structural well-formedness of the invitation.
func (i *Invitation) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: no @id", ErrInvalidInvitation)
	}

	if i.Type != InvitationMsgType {
		return fmt.Errorf("%w: unexpected @type %s", ErrInvalidInvitation, i.Type)
	}

	if len(i.Services) != 1 {
		return fmt.Errorf("%w: expected exactly one service entry, got %d", ErrInvalidInvitation, len(i.Services))
	}

	if len(i.Protocols) == 0 && len(i.Requests) == 0 {
		return fmt.Errorf("%w: at least one handshake protocol or request attachment is required",
			ErrInvalidInvitation)
	}

	if (i.Goal == "") != (i.GoalCode == "") {
		return fmt.Errorf("%w: goal and goal_code must be set together", ErrInvalidInvitation)
	}

	return nil
}

// ServiceEntry returns the invitation's single service entry, either a DID
// string or an inline service block.
func (i *Invitation) ServiceEntry() (interface{}, error) {
	if len(i.Services) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one service entry, got %d",
			ErrInvalidInvitation, len(i.Services))
	}

	return i.Services[0], nil
}

// ServiceAsDID returns the DID string if the given service entry is a DID
// reference rather than an inline service block.
func ServiceAsDID(entry interface{}) (string, bool) {
	did, ok := entry.(string)

	return did, ok
}

// ServiceAsBlock decodes an inline service entry into a service block. It
// returns false if the entry is a DID reference.
func ServiceAsBlock(entry interface{}) (*decorator.Service, bool) {
	if _, isDID := entry.(string); isDID {
		return nil, false
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false
	}

	block := &decorator.Service{}
	if err := json.Unmarshal(raw, block); err != nil {
		return nil, false
	}

	return block, true
}

// ToURL encodes the invitation into a shareable URL. The invitation's own
// service endpoint is used as the base when none is given.
func (i *Invitation) ToURL(baseURL string) (string, error) {
	if baseURL == "" {
		entry, err := i.ServiceEntry()
		if err != nil {
			return "", err
		}

		block, ok := ServiceAsBlock(entry)
		if !ok || block.ServiceEndpoint == "" {
			return "", fmt.Errorf("%w: no base URL and the invitation has no inline service endpoint",
				ErrInvalidRequest)
		}

		baseURL = block.ServiceEndpoint
	}

	raw, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("marshal invitation: %w", err)
	}

	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}

	return baseURL + sep + invitationURLParam + "=" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseInvitationURL decodes an invitation out of a URL produced by ToURL.
func ParseInvitationURL(invitationURL string) (*Invitation, error) {
	parsed, err := url.Parse(invitationURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInvitation, err.Error())
	}

	encoded := parsed.Query().Get(invitationURLParam)
	if encoded == "" {
		return nil, fmt.Errorf("%w: missing %s parameter", ErrInvalidInvitation, invitationURLParam)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// tolerate padded encodings from other implementations
		raw, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 payload", ErrInvalidInvitation)
		}
	}

	inv := &Invitation{}
	if err := json.Unmarshal(raw, inv); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload", ErrInvalidInvitation)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return inv, nil
}
