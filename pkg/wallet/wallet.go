/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet provides the minimal key-management surface the agent needs:
// creating fresh signing keys for invitations and connection-less reply targets.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"github.com/golang/protobuf/proto"
	"github.com/google/tink/go/keyset"
	ed25519pb "github.com/google/tink/go/proto/ed25519_go_proto"
	tinkpb "github.com/google/tink/go/proto/tink_go_proto"
	"github.com/google/tink/go/signature"
	"github.com/google/uuid"
)

const ed25519VerifierTypeURL = "type.googleapis.com/google.crypto.tink.Ed25519PublicKey"

// KeyInfo describes a created signing key.
type KeyInfo struct {
	// KeyID identifies the key within this wallet.
	KeyID string
	// VerKey is the base58-encoded raw public key.
	VerKey string
	// PubKeyBytes is the raw public key.
	PubKeyBytes []byte
}

// KeyManager creates signing keys.
type KeyManager interface {
	CreateSigningKey() (*KeyInfo, error)
}

// LocalWallet is an in-memory KeyManager backed by Tink keyset handles.
type LocalWallet struct {
	mu      sync.RWMutex
	handles map[string]*keyset.Handle
}

// New returns a new LocalWallet.
func New() *LocalWallet {
	return &LocalWallet{handles: map[string]*keyset.Handle{}}
}

// CreateSigningKey creates a fresh ED25519 signing key and returns its public part.
func (w *LocalWallet) CreateSigningKey() (*KeyInfo, error) {
	kh, err := keyset.NewHandle(signature.ED25519KeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("failed to create ED25519 keyset handle: %w", err)
	}

	pub, err := kh.Public()
	if err != nil {
		return nil, fmt.Errorf("failed to get public keyset handle: %w", err)
	}

	extractor := &pubKeyExtractor{}

	err = pub.WriteWithNoSecrets(extractor)
	if err != nil {
		return nil, fmt.Errorf("failed to export public key bytes: %w", err)
	}

	keyID := uuid.New().String()

	w.mu.Lock()
	w.handles[keyID] = kh
	w.mu.Unlock()

	return &KeyInfo{
		KeyID:       keyID,
		VerKey:      base58.Encode(extractor.raw),
		PubKeyBytes: extractor.raw,
	}, nil
}

// pubKeyExtractor is a keyset.Writer that captures the raw bytes of the
// keyset's primary ED25519 public key instead of serializing the keyset.
type pubKeyExtractor struct {
	raw []byte
}

func (p *pubKeyExtractor) Write(ks *tinkpb.Keyset) error {
	for _, key := range ks.Key {
		if key.KeyId != ks.PrimaryKeyId || key.Status != tinkpb.KeyStatusType_ENABLED {
			continue
		}

		if key.KeyData.TypeUrl != ed25519VerifierTypeURL {
			return fmt.Errorf("key type not supported for raw export: %s", key.KeyData.TypeUrl)
		}

		pubKey := new(ed25519pb.Ed25519PublicKey)

		err := proto.Unmarshal(key.KeyData.Value, pubKey)
		if err != nil {
			return fmt.Errorf("failed to unmarshal ED25519 public key: %w", err)
		}

		p.raw = pubKey.KeyValue

		return nil
	}

	return fmt.Errorf("no enabled primary key in keyset")
}

func (p *pubKeyExtractor) WriteEncrypted(*tinkpb.EncryptedKeyset) error {
	return fmt.Errorf("write encrypted function not supported")
}
