/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outbound

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calliope-id/agent/pkg/didcomm/common/service"
)

func TestDispatcher_Send(t *testing.T) {
	t.Run("delivers message to target", func(t *testing.T) {
		var received []byte

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := New(nil)
		msg := service.DIDCommMsgMap{"@id": "abc", "@type": "test"}

		err := d.Send(msg, []*service.Destination{{ServiceEndpoint: srv.URL}})
		require.NoError(t, err)
		require.Contains(t, string(received), `"@id":"abc"`)
	})

	t.Run("retries on server error, then succeeds", func(t *testing.T) {
		var calls int32

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)

				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := New(nil)

		err := d.Send(service.DIDCommMsgMap{"@id": "abc"}, []*service.Destination{{ServiceEndpoint: srv.URL}})
		require.NoError(t, err)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("fails after exhausting retries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		d := New(nil)

		err := d.Send(service.DIDCommMsgMap{"@id": "abc"}, []*service.Destination{{ServiceEndpoint: srv.URL}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to send message")
	})

	t.Run("no targets", func(t *testing.T) {
		d := New(nil)

		err := d.Send(service.DIDCommMsgMap{"@id": "abc"}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no targets")
	})
}
