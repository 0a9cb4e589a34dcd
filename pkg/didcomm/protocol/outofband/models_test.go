/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
)

func TestInvitationValidate(t *testing.T) {
	t.Run("valid handshake invitation", func(t *testing.T) {
		require.NoError(t, newTestInvitation().Validate())
	})

	t.Run("valid request-only invitation", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Protocols = nil
		inv.Requests = []*decorator.Attachment{{ID: "req-1"}}
		require.NoError(t, inv.Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		inv := newTestInvitation()
		inv.ID = ""
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)
	})

	t.Run("wrong type", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Type = "https://didcomm.org/connections/1.0/invitation"
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)
	})

	t.Run("no services", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Services = nil
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)
	})

	t.Run("more than one service", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Services = []interface{}{"did:peer:abc", "did:peer:def"}
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)
	})

	t.Run("neither protocols nor requests", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Protocols = nil
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)
	})

	t.Run("goal without goal code", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Goal = "To exchange credentials"
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)

		inv.Goal = ""
		inv.GoalCode = "issue-vc"
		require.ErrorIs(t, inv.Validate(), ErrInvalidInvitation)

		inv.Goal = "To exchange credentials"
		require.NoError(t, inv.Validate())
	})
}

func TestServiceEntryHelpers(t *testing.T) {
	t.Run("DID entry", func(t *testing.T) {
		did, ok := ServiceAsDID("did:peer:abc")
		require.True(t, ok)
		require.Equal(t, "did:peer:abc", did)

		_, ok = ServiceAsBlock("did:peer:abc")
		require.False(t, ok)
	})

	t.Run("inline block entry", func(t *testing.T) {
		entry := map[string]interface{}{
			"id":              "svc-1",
			"type":            "did-communication",
			"recipientKeys":   []interface{}{"did:key:z6Mkabc"},
			"serviceEndpoint": "https://agent.example.com",
		}

		_, ok := ServiceAsDID(entry)
		require.False(t, ok)

		block, ok := ServiceAsBlock(entry)
		require.True(t, ok)
		require.Equal(t, "did-communication", block.Type)
		require.Equal(t, []string{"did:key:z6Mkabc"}, block.RecipientKeys)
		require.Equal(t, "https://agent.example.com", block.ServiceEndpoint)
	})
}

func TestInvitationURLRoundTrip(t *testing.T) {
	t.Run("explicit base URL", func(t *testing.T) {
		inv := newTestInvitation()

		u, err := inv.ToURL("https://agent.example.com/invite")
		require.NoError(t, err)
		require.Contains(t, u, "https://agent.example.com/invite?oob=")

		parsed, err := ParseInvitationURL(u)
		require.NoError(t, err)
		require.Equal(t, inv.ID, parsed.ID)
		require.Equal(t, inv.Label, parsed.Label)
		require.Equal(t, inv.Protocols, parsed.Protocols)
	})

	t.Run("base URL with existing query", func(t *testing.T) {
		inv := newTestInvitation()

		u, err := inv.ToURL("https://agent.example.com/invite?c_i=legacy")
		require.NoError(t, err)
		require.Contains(t, u, "&oob=")

		_, err = ParseInvitationURL(u)
		require.NoError(t, err)
	})

	t.Run("defaults to the inline service endpoint", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Services = []interface{}{&decorator.Service{
			ID:              uuid.New().String(),
			Type:            didCommServiceType,
			RecipientKeys:   []string{"did:key:z6Mkabc"},
			ServiceEndpoint: "https://agent.example.com",
		}}

		u, err := inv.ToURL("")
		require.NoError(t, err)
		require.Contains(t, u, "https://agent.example.com?oob=")
	})

	t.Run("no base URL and no endpoint", func(t *testing.T) {
		inv := newTestInvitation()

		_, err := inv.ToURL("")
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestParseInvitationURL(t *testing.T) {
	t.Run("missing oob parameter", func(t *testing.T) {
		_, err := ParseInvitationURL("https://agent.example.com/invite")
		require.ErrorIs(t, err, ErrInvalidInvitation)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := ParseInvitationURL("https://agent.example.com/invite?oob=!!!not-base64!!!")
		require.ErrorIs(t, err, ErrInvalidInvitation)
	})

	t.Run("base64 of non-JSON", func(t *testing.T) {
		_, err := ParseInvitationURL("https://agent.example.com/invite?oob=bm90LWpzb24")
		require.ErrorIs(t, err, ErrInvalidInvitation)
	})

	t.Run("structurally invalid invitation", func(t *testing.T) {
		inv := newTestInvitation()
		inv.Services = nil

		u, err := inv.ToURL("https://agent.example.com/invite")
		require.NoError(t, err)

		_, err = ParseInvitationURL(u)
		require.ErrorIs(t, err, ErrInvalidInvitation)
	})
}
