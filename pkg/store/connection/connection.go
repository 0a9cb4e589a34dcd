/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package connection provides persistence for pairwise connection records.
// The out-of-band protocol only reads records and references their ids; the
// records themselves are owned by the connection (DID-exchange) service.
package connection

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

const (
	// Namespace is the name of the store all connection records live in.
	Namespace = "connection"

	// StateCompleted is the state of a connection record whose exchange finished successfully.
	StateCompleted = "completed"
	// StateInvitation is the state of a connection record freshly created for an outgoing invitation.
	StateInvitation = "invitation"

	// TopicStateChanged is the event bus topic connection state transitions are announced on.
	TopicStateChanged = "connection_state"

	keyPrefix           = "conn_%s"
	invitationKeyPrefix = "inv_%s"
	metadataKeyPrefix   = "meta_%s"

	tagState         = "state"
	tagInvitationID  = "invitationID"
	tagInvitationDID = "invitationDID"
)

var logger = log.New("calliope-agent/store/connection")

// StateEvent is the payload published on TopicStateChanged.
type StateEvent struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
}

// Record contains info about a pairwise connection.
type Record struct {
	ConnectionID    string   `json:"connection_id"`
	State           string   `json:"state"`
	ThreadID        string   `json:"thread_id,omitempty"`
	TheirLabel      string   `json:"their_label,omitempty"`
	TheirDID        string   `json:"their_did,omitempty"`
	MyDID           string   `json:"my_did,omitempty"`
	ServiceEndpoint string   `json:"service_endpoint,omitempty"`
	RecipientKeys   []string `json:"recipient_keys,omitempty"`
	RoutingKeys     []string `json:"routing_keys,omitempty"`
	InvitationID    string   `json:"invitation_id,omitempty"`
	InvitationDID   string   `json:"invitation_did,omitempty"`
	InvitationKey   string   `json:"invitation_key,omitempty"`
	Alias           string   `json:"alias,omitempty"`
}

// IsReady reports whether the connection finished its exchange and can carry protocol messages.
func (r *Record) IsReady() bool {
	return r.State == StateCompleted
}

type provider interface {
	StorageProvider() storage.Provider
}

// Recorder persists and queries connection records.
type Recorder struct {
	store storage.Store
}

// NewRecorder opens the connection store.
func NewRecorder(p provider) (*Recorder, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace, storage.StoreConfiguration{
		TagNames: []string{tagState, tagInvitationID, tagInvitationDID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set connection store config: %w", err)
	}

	return &Recorder{store: store}, nil
}

// SaveConnectionRecord stores the record, indexed by state, invitation id and invitation DID.
func (r *Recorder) SaveConnectionRecord(record *Record) error {
	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	tags := []storage.Tag{{Name: tagState, Value: record.State}}

	if record.InvitationID != "" {
		tags = append(tags, storage.Tag{Name: tagInvitationID, Value: record.InvitationID})
	}

	if record.InvitationDID != "" {
		tags = append(tags, storage.Tag{Name: tagInvitationDID, Value: encodeTagValue(record.InvitationDID)})
	}

	return r.store.Put(connKey(record.ConnectionID), src, tags...)
}

// SaveConnectionInvitation stores the record, the invitation payload it was
// created for, and any caller metadata in a single storage batch so a partial
// write cannot leave the placeholder half-initialized.
func (r *Recorder) SaveConnectionInvitation(record *Record, invitation interface{}, metadata map[string]string) error {
	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	tags := []storage.Tag{{Name: tagState, Value: record.State}}

	if record.InvitationID != "" {
		tags = append(tags, storage.Tag{Name: tagInvitationID, Value: record.InvitationID})
	}

	if record.InvitationDID != "" {
		tags = append(tags, storage.Tag{Name: tagInvitationDID, Value: encodeTagValue(record.InvitationDID)})
	}

	ops := []storage.Operation{{Key: connKey(record.ConnectionID), Value: src, Tags: tags}}

	if invitation != nil {
		invBytes, err := json.Marshal(invitation)
		if err != nil {
			return fmt.Errorf("failed to marshal invitation: %w", err)
		}

		ops = append(ops, storage.Operation{Key: invitationKey(record.InvitationID), Value: invBytes})
	}

	if len(metadata) > 0 {
		metaBytes, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal connection metadata: %w", err)
		}

		ops = append(ops, storage.Operation{Key: metadataKey(record.ConnectionID), Value: metaBytes})
	}

	return r.store.Batch(ops)
}

// GetInvitation returns the invitation payload stored for the given invitation id.
func (r *Recorder) GetInvitation(invitationID string, v interface{}) error {
	src, err := r.store.Get(invitationKey(invitationID))
	if err != nil {
		return fmt.Errorf("failed to fetch invitation for id=%s: %w", invitationID, err)
	}

	return json.Unmarshal(src, v)
}

// GetMetadata returns the caller metadata stored alongside the given connection.
func (r *Recorder) GetMetadata(connectionID string) (map[string]string, error) {
	src, err := r.store.Get(metadataKey(connectionID))
	if errors.Is(err, storage.ErrDataNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for connection id=%s: %w", connectionID, err)
	}

	metadata := map[string]string{}

	err = json.Unmarshal(src, &metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection metadata: %w", err)
	}

	return metadata, nil
}

// GetConnectionRecord returns the connection record with the given id.
func (r *Recorder) GetConnectionRecord(connectionID string) (*Record, error) {
	src, err := r.store.Get(connKey(connectionID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch connection record for id=%s: %w", connectionID, err)
	}

	record := &Record{}

	err = json.Unmarshal(src, record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}

	return record, nil
}

// FindByInvitationDID returns the first completed connection record established
// against the given public or peer DID, or nil when none exists.
func (r *Recorder) FindByInvitationDID(did string) (*Record, error) {
	records, err := r.query(fmt.Sprintf("%s:%s", tagInvitationDID, encodeTagValue(did)))
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.IsReady() {
			return record, nil
		}
	}

	return nil, nil
}

// QueryByInvitationID returns all connection records created for the given invitation id.
func (r *Recorder) QueryByInvitationID(invitationID string) ([]*Record, error) {
	return r.query(fmt.Sprintf("%s:%s", tagInvitationID, invitationID))
}

// DeleteConnectionRecord removes the record with the given id.
func (r *Recorder) DeleteConnectionRecord(connectionID string) error {
	return r.store.Delete(connKey(connectionID))
}

func (r *Recorder) query(expression string) ([]*Record, error) {
	it, err := r.store.Query(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection store: %w", err)
	}

	defer func() {
		errClose := it.Close()
		if errClose != nil {
			logger.Errorf("failed to close connection record iterator: %s", errClose.Error())
		}
	}()

	var records []*Record

	more, err := it.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to advance connection record iterator: %w", err)
	}

	for more {
		value, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("failed to read connection record value: %w", err)
		}

		record := &Record{}

		err = json.Unmarshal(value, record)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
		}

		records = append(records, record)

		more, err = it.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to advance connection record iterator: %w", err)
		}
	}

	return records, nil
}

func connKey(connectionID string) string {
	return fmt.Sprintf(keyPrefix, connectionID)
}

func invitationKey(invitationID string) string {
	return fmt.Sprintf(invitationKeyPrefix, invitationID)
}

func metadataKey(connectionID string) string {
	return fmt.Sprintf(metadataKeyPrefix, connectionID)
}

// encodeTagValue makes a DID usable as a tag value: tag values cannot contain ':'.
func encodeTagValue(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}
