package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const agentInfoKey = "identity"

// AgentIdentity is the plaintext form of the persisted agent identity. The
// registration key is encrypted at rest (see encryptKey/decryptKey below);
// every other field is stored as-is.
type AgentIdentity struct {
	Name        string   `json:"name"`
	UUID        string   `json:"uuid"`
	Key         string   `json:"-"` // never marshalled in plaintext
	Groups      []string `json:"groups"`
	Fingerprint string   `json:"fingerprint"`
}

// agentIdentityRecord is the on-disk envelope: Key is replaced by a
// secretbox-sealed ciphertext so the manager credential is never written to
// disk in the clear.
type agentIdentityRecord struct {
	Name          string   `json:"name"`
	UUID          string   `json:"uuid"`
	Groups        []string `json:"groups"`
	Fingerprint   string   `json:"fingerprint"`
	Salt          []byte   `json:"salt"`
	Nonce         []byte   `json:"nonce"`
	KeyCiphertext []byte   `json:"key_ciphertext"`
}

// SaveAgentIdentity atomically persists identity, encrypting the key field.
// Both UUID and key are written in the same transaction: a reader never
// observes one updated without the other.
func (s *Store) SaveAgentIdentity(identity AgentIdentity) error {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("store: generate salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("store: generate nonce: %w", err)
	}

	key := s.deriveKey(salt)
	ciphertext := secretbox.Seal(nil, []byte(identity.Key), &nonce, &key)

	rec := agentIdentityRecord{
		Name:          identity.Name,
		UUID:          identity.UUID,
		Groups:        identity.Groups,
		Fingerprint:   identity.Fingerprint,
		Salt:          salt,
		Nonce:         nonce[:],
		KeyCiphertext: ciphertext,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentInfo).Put([]byte(agentInfoKey), data)
	})
	return wrapErr("save agent identity", err)
}

// LoadAgentIdentity returns the persisted identity, decrypting the key.
// ok is false if no identity has been saved yet.
func (s *Store) LoadAgentIdentity() (identity AgentIdentity, ok bool, err error) {
	var rec agentIdentityRecord
	dbErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgentInfo).Get([]byte(agentInfoKey))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if dbErr != nil {
		return AgentIdentity{}, false, wrapErr("load agent identity", dbErr)
	}
	if !ok {
		return AgentIdentity{}, false, nil
	}

	if len(rec.Salt) != 32 || len(rec.Nonce) != 24 {
		return AgentIdentity{}, false, &Error{Kind: KindCorrupt, Op: "load agent identity"}
	}
	var nonce [24]byte
	copy(nonce[:], rec.Nonce)
	key := s.deriveKey(rec.Salt)

	plaintext, okOpen := secretbox.Open(nil, rec.KeyCiphertext, &nonce, &key)
	if !okOpen {
		return AgentIdentity{}, false, &Error{Kind: KindCorrupt, Op: "decrypt agent key"}
	}

	return AgentIdentity{
		Name:        rec.Name,
		UUID:        rec.UUID,
		Key:         string(plaintext),
		Groups:      rec.Groups,
		Fingerprint: rec.Fingerprint,
	}, true, nil
}

// ResetAgentIdentity removes the persisted identity entirely, returning the
// agent to its pre-registration default state.
func (s *Store) ResetAgentIdentity() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentInfo).Delete([]byte(agentInfoKey))
	})
	return wrapErr("reset agent identity", err)
}

// deriveKey combines the per-identity salt (stored in the database) with the
// store's local secret (stored in a sibling file, outside the database) into
// a 32-byte secretbox key. Possessing the database file alone is not enough
// to recover the key; this is deliberately a local-storage hardening measure
// (defense against casual disk inspection, e.g. a stray backup of the db
// file), not a key-exchange mechanism.
func (s *Store) deriveKey(salt []byte) [32]byte {
	return blake2b.Sum256(append(append([]byte(nil), salt...), s.localSecret...))
}
