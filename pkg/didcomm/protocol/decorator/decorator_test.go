/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package decorator

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachmentData_Fetch(t *testing.T) {
	t.Run("json contents", func(t *testing.T) {
		data := &AttachmentData{JSON: map[string]interface{}{"@id": "abc", "label": "test"}}

		bits, err := data.Fetch()
		require.NoError(t, err)

		result := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(bits, &result))
		require.Equal(t, "abc", result["@id"])
	})

	t.Run("base64 contents", func(t *testing.T) {
		expected := []byte(`{"@id":"abc"}`)
		data := &AttachmentData{Base64: base64.StdEncoding.EncodeToString(expected)}

		bits, err := data.Fetch()
		require.NoError(t, err)
		require.Equal(t, expected, bits)
	})

	t.Run("base64url contents", func(t *testing.T) {
		expected := []byte(`{"@id":"abc"}`)
		data := &AttachmentData{Base64: base64.RawURLEncoding.EncodeToString(expected)}

		bits, err := data.Fetch()
		require.NoError(t, err)
		require.Equal(t, expected, bits)
	})

	t.Run("no contents", func(t *testing.T) {
		data := &AttachmentData{}

		_, err := data.Fetch()
		require.Error(t, err)
		require.Contains(t, err.Error(), "no contents")
	})

	t.Run("invalid base64", func(t *testing.T) {
		data := &AttachmentData{Base64: "!!not-base64!!"}

		_, err := data.Fetch()
		require.Error(t, err)
	})
}
