/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	jsonID             = "@id"
	jsonType           = "@type"
	jsonThread         = "~thread"
	jsonThreadID       = "thid"
	jsonParentThreadID = "pthid"
)

// ErrInvalidMessage is returned when a message cannot be represented as a DIDCommMsgMap.
var ErrInvalidMessage = errors.New("invalid message")

// DIDCommMsgMap is a DIDComm message represented as a generic map.
// It preserves fields the agent does not understand, which matters for
// attachments that are forwarded verbatim to other protocol services.
type DIDCommMsgMap map[string]interface{}

// NewDIDCommMsgMap converts a message struct into a DIDCommMsgMap through its JSON representation.
func NewDIDCommMsgMap(v interface{}) DIDCommMsgMap {
	msg := DIDCommMsgMap{}

	src, err := json.Marshal(v)
	if err != nil {
		return msg
	}

	// error is impossible here: the source was produced by json.Marshal above
	_ = json.Unmarshal(src, &msg)

	return msg
}

// ParseDIDCommMsgMap parses raw JSON payload into a DIDCommMsgMap.
func ParseDIDCommMsgMap(payload []byte) (DIDCommMsgMap, error) {
	msg := DIDCommMsgMap{}

	err := json.Unmarshal(payload, &msg)
	if err != nil {
		return nil, fmt.Errorf("invalid payload data format: %w", err)
	}

	return msg, nil
}

// ID returns the message `@id`.
func (m DIDCommMsgMap) ID() string {
	if m == nil {
		return ""
	}

	id, ok := m[jsonID].(string)
	if !ok {
		return ""
	}

	return id
}

// SetID sets the message `@id`.
func (m DIDCommMsgMap) SetID(id string) {
	m[jsonID] = id
}

// Type returns the message `@type`.
func (m DIDCommMsgMap) Type() string {
	if m == nil {
		return ""
	}

	t, ok := m[jsonType].(string)
	if !ok {
		return ""
	}

	return t
}

// ThreadID returns the `~thread.thid` decorator value or, per the DIDComm
// threading rules, the message id when no thread decorator is present.
func (m DIDCommMsgMap) ThreadID() string {
	if m == nil {
		return ""
	}

	if thread, ok := m[jsonThread].(map[string]interface{}); ok {
		if thid, ok := thread[jsonThreadID].(string); ok && thid != "" {
			return thid
		}
	}

	return m.ID()
}

// ParentThreadID returns the `~thread.pthid` decorator value, if any.
func (m DIDCommMsgMap) ParentThreadID() string {
	if m == nil {
		return ""
	}

	thread, ok := m[jsonThread].(map[string]interface{})
	if !ok {
		return ""
	}

	pthid, ok := thread[jsonParentThreadID].(string)
	if !ok {
		return ""
	}

	return pthid
}

// SetThread sets the `~thread` decorator with the given thid and pthid.
func (m DIDCommMsgMap) SetThread(thid, pthid string) {
	thread := map[string]interface{}{}

	if thid != "" {
		thread[jsonThreadID] = thid
	}

	if pthid != "" {
		thread[jsonParentThreadID] = pthid
	}

	m[jsonThread] = thread
}

// Clone returns a deep copy of the message.
func (m DIDCommMsgMap) Clone() DIDCommMsgMap {
	if m == nil {
		return nil
	}

	src, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	clone := DIDCommMsgMap{}

	_ = json.Unmarshal(src, &clone)

	return clone
}

// Decode decodes the message into the given struct using its json tags.
func (m DIDCommMsgMap) Decode(v interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
		Result:     v,
		TagName:    "json",
	})
	if err != nil {
		return err
	}

	return decoder.Decode(map[string]interface{}(m))
}

// MarshalJSON marshals the message as a plain JSON object.
func (m DIDCommMsgMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(m))
}

// UnmarshalJSON unmarshals a JSON object into the message.
func (m *DIDCommMsgMap) UnmarshalJSON(b []byte) error {
	raw := map[string]interface{}{}

	err := json.Unmarshal(b, &raw)
	if err != nil {
		return err
	}

	*m = raw

	return nil
}
