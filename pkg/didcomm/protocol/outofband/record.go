/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outofband

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/calliope-id/agent/pkg/didcomm/protocol/decorator"
)

const (
	// RoleSender is the role of the party that created the invitation.
	RoleSender = "sender"
	// RoleReceiver is the role of the party that received the invitation.
	RoleReceiver = "receiver"

	// StateInitial is the state of a freshly created exchange record.
	StateInitial = "initial"
	// StateAwaitResponse is entered once a reply from the other party is awaited.
	StateAwaitResponse = "await-response"
	// StatePrepareResponse is the receiver-side state when no connection could
	// be established yet.
	StatePrepareResponse = "prepare-response"
	// StateDone is the terminal state of a completed exchange.
	StateDone = "done"
	// StateAccepted is the terminal state of an accepted handshake reuse.
	StateAccepted = "accepted"
	// StateNotAccepted records a rejected handshake reuse attempt.
	StateNotAccepted = "not-accepted"

	storeName = "outofband"

	tagInvitationID = "invitationID"
	tagRole         = "role"
	tagState        = "state"

	recordKeyPrefix        = "oob_%s"
	invitationDIDKeyPrefix = "invdid_%s"
)

// Record captures the durable state of one out-of-band exchange.
type Record struct {
	ID              string             `json:"oob_id"`
	InvitationID    string             `json:"invi_msg_id"`
	Role            string             `json:"role"`
	State           string             `json:"state"`
	ConnectionID    string             `json:"connection_id,omitempty"`
	ReuseMsgID      string             `json:"reuse_msg_id,omitempty"`
	OurRecipientKey string             `json:"our_recipient_key,omitempty"`
	OurService      *decorator.Service `json:"our_service,omitempty"`
	MultiUse        bool               `json:"multi_use,omitempty"`
	AutoAccept      bool               `json:"auto_accept,omitempty"`
	Alias           string             `json:"alias,omitempty"`
	Invitation      *Invitation        `json:"invitation,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// stateTransitions enumerates the legal forward moves of a record. A record
// may always be re-saved in its current state.
var stateTransitions = map[string][]string{
	StateInitial:         {StateAwaitResponse, StatePrepareResponse, StateDone},
	StateAwaitResponse:   {StateAccepted, StateNotAccepted, StateDone},
	StateNotAccepted:     {StatePrepareResponse, StateDone},
	StatePrepareResponse: {StateDone},
	StateAccepted:        {},
	StateDone:            {},
}

func canTransition(from, to string) bool {
	if from == to {
		return true
	}

	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// recordStore persists exchange records with tags for lookup by invitation
// id, role, and state.
type recordStore struct {
	store storage.Store
}

func newRecordStore(provider storage.Provider) (*recordStore, error) {
	store, err := provider.OpenStore(storeName)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = provider.SetStoreConfig(storeName,
		storage.StoreConfiguration{TagNames: []string{tagInvitationID, tagRole, tagState}})
	if err != nil {
		return nil, fmt.Errorf("set store config: %w", err)
	}

	return &recordStore{store: store}, nil
}

func (r *recordStore) save(record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return r.store.Put(fmt.Sprintf(recordKeyPrefix, record.ID), raw,
		storage.Tag{Name: tagInvitationID, Value: record.InvitationID},
		storage.Tag{Name: tagRole, Value: record.Role},
		storage.Tag{Name: tagState, Value: record.State},
	)
}

func (r *recordStore) get(oobID string) (*Record, error) {
	raw, err := r.store.Get(fmt.Sprintf(recordKeyPrefix, oobID))
	if errors.Is(err, storage.ErrDataNotFound) {
		return nil, fmt.Errorf("%w: id=%s", ErrExchangeNotFound, oobID)
	}

	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	record := &Record{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	return record, nil
}

// findByInvitationID returns the unique record for the given invitation id,
// role, and state. Role and state are filtered in memory after the tag query.
func (r *recordStore) findByInvitationID(invitationID, role string, states ...string) (*Record, error) {
	records, err := r.queryTag(tagInvitationID + ":" + invitationID)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.Role != role {
			continue
		}

		if len(states) == 0 {
			return record, nil
		}

		for _, state := range states {
			if record.State == state {
				return record, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: invitationID=%s role=%s", ErrExchangeNotFound, invitationID, role)
}

// queryByRoleState returns all records matching the given role and state.
func (r *recordStore) queryByRoleState(role, state string) ([]*Record, error) {
	records, err := r.queryTag(tagRole + ":" + role)
	if err != nil {
		return nil, err
	}

	matched := make([]*Record, 0)

	for _, record := range records {
		if record.State == state {
			matched = append(matched, record)
		}
	}

	return matched, nil
}

func (r *recordStore) queryTag(expression string) ([]*Record, error) {
	iter, err := r.store.Query(expression)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	defer func() {
		if errClose := iter.Close(); errClose != nil {
			logger.Warnf("failed to close record iterator: %v", errClose)
		}
	}()

	var records []*Record

	more, err := iter.Next()
	for ; err == nil && more; more, err = iter.Next() {
		raw, errVal := iter.Value()
		if errVal != nil {
			return nil, fmt.Errorf("read record value: %w", errVal)
		}

		record := &Record{}
		if errUnm := json.Unmarshal(raw, record); errUnm != nil {
			return nil, fmt.Errorf("unmarshal record: %w", errUnm)
		}

		records = append(records, record)
	}

	if err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

func (r *recordStore) delete(oobID string) error {
	return r.store.Delete(fmt.Sprintf(recordKeyPrefix, oobID))
}

// saveInvitationDID remembers a minted invitation DID for a method so later
// invitations can reuse it.
func (r *recordStore) saveInvitationDID(method, did string) error {
	return r.store.Put(fmt.Sprintf(invitationDIDKeyPrefix, method), []byte(did))
}

// invitationDID returns the remembered invitation DID for a method, or ""
// when none was minted yet.
func (r *recordStore) invitationDID(method string) (string, error) {
	raw, err := r.store.Get(fmt.Sprintf(invitationDIDKeyPrefix, method))
	if errors.Is(err, storage.ErrDataNotFound) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("get invitation DID: %w", err)
	}

	return string(raw), nil
}
