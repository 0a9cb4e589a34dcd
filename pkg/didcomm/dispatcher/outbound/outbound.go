/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package outbound implements message delivery over HTTP.
package outbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/calliope-id/agent/pkg/didcomm/common/service"
)

const (
	commContentType = "application/didcomm-plain+json"

	sendRetries       = 3
	sendRetryInterval = 250 * time.Millisecond
)

var logger = log.New("calliope-agent/dispatcher/outbound")

// Dispatcher posts DIDComm messages to target service endpoints.
type Dispatcher struct {
	client *http.Client
}

// New returns an HTTP outbound dispatcher. A nil client falls back to a default with a 10s timeout.
func New(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Dispatcher{client: client}
}

// Send delivers the message to every target. Each target is retried a few
// times before the whole send is reported as failed.
func (d *Dispatcher) Send(msg service.DIDCommMsgMap, targets []*service.Destination) error {
	if len(targets) == 0 {
		return errors.New("no targets to send to")
	}

	payload, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	for _, target := range targets {
		err = backoff.Retry(func() error {
			return d.post(target.ServiceEndpoint, payload)
		}, backoff.WithMaxRetries(backoff.NewConstantBackOff(sendRetryInterval), sendRetries))
		if err != nil {
			return fmt.Errorf("failed to send message to %s: %w", target.ServiceEndpoint, err)
		}

		logger.Debugf("sent %s message to %s", msg.Type(), target.ServiceEndpoint)
	}

	return nil
}

func (d *Dispatcher) post(endpoint string, payload []byte) error {
	resp, err := d.client.Post(endpoint, commContentType, bytes.NewReader(payload)) //nolint:noctx
	if err != nil {
		return err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)

		errClose := resp.Body.Close()
		if errClose != nil {
			logger.Errorf("failed to close response body: %s", errClose.Error())
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, endpoint)
	}

	return nil
}
