package crypto

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNoSessionKey indicates no key has been established with a peer.
var ErrNoSessionKey = errors.New("crypto: no session key for peer")

// SessionKeyRecord is one peer's symmetric key.
type SessionKeyRecord struct {
	PeerID        string
	Key           []byte
	EstablishedAt time.Time
}

// SessionKeys is an in-memory per-peer key store. Keys are installed by the
// transport after each handshake and removed when the session ends.
type SessionKeys struct {
	mu      sync.RWMutex
	records map[string]SessionKeyRecord
}

// NewSessionKeys creates an empty key store.
func NewSessionKeys() *SessionKeys {
	return &SessionKeys{records: make(map[string]SessionKeyRecord)}
}

// Set installs or replaces the key for peerID.
func (s *SessionKeys) Set(peerID string, key []byte) error {
	if peerID == "" {
		return errors.New("peer ID is required")
	}
	if len(key) != aes256KeySize {
		return fmt.Errorf("invalid session key length: got %d want %d", len(key), aes256KeySize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[peerID] = SessionKeyRecord{
		PeerID:        peerID,
		Key:           append([]byte(nil), key...),
		EstablishedAt: time.Now(),
	}
	return nil
}

// Remove forgets the key for peerID.
func (s *SessionKeys) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, peerID)
}

// Record returns a copy of the key record for peerID.
func (s *SessionKeys) Record(peerID string) (SessionKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[peerID]
	if !ok {
		return SessionKeyRecord{}, false
	}
	record.Key = append([]byte(nil), record.Key...)
	return record, true
}

// Peers returns the IDs of peers with a key, sorted.
func (s *SessionKeys) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]string, 0, len(s.records))
	for id := range s.records {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// HasKey reports whether a key exists for peerID.
func (s *SessionKeys) HasKey(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[peerID]
	return ok
}

// Encrypt seals plaintext under peerID's key.
func (s *SessionKeys) Encrypt(ctx context.Context, plaintext []byte, peerID string) ([]byte, error) {
	key, err := s.borrow(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return Seal(key, plaintext)
}

// Decrypt opens ciphertext under peerID's key.
func (s *SessionKeys) Decrypt(ctx context.Context, ciphertext []byte, peerID string) ([]byte, error) {
	key, err := s.borrow(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return Open(key, ciphertext)
}

// borrow copies the key out so no lock is held during AEAD work.
func (s *SessionKeys) borrow(ctx context.Context, peerID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[peerID]
	if !ok {
		return nil, ErrNoSessionKey
	}
	return append([]byte(nil), record.Key...), nil
}
