// Package gate performs per-peer authenticated encryption on behalf of the
// router. It never owns key material: every call borrows the peer's key from
// a KeyStore for the duration of that call only.
package gate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultKeyTimeout bounds a single key-store call.
const DefaultKeyTimeout = 2 * time.Second

var (
	// ErrEncryptionFailed is returned when a payload could not be sealed for
	// a peer. The router treats it as "no key available".
	ErrEncryptionFailed = errors.New("gate: encryption failed")
	// ErrDecryptFailure covers every decrypt failure. A missing key, a wrong
	// key and a corrupted ciphertext all produce this same value.
	ErrDecryptFailure = errors.New("gate: decrypt failure")
)

// KeyStore is the per-peer session key collaborator. crypto.SessionKeys
// implements it.
type KeyStore interface {
	HasKey(peerID string) bool
	Encrypt(ctx context.Context, plaintext []byte, peerID string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, peerID string) ([]byte, error)
}

// Gate wraps a KeyStore with timeouts and opaque error mapping.
type Gate struct {
	keys    KeyStore
	timeout time.Duration
}

// New creates a Gate. A nil keys yields a gate that has no key for anyone.
// A non-positive timeout selects DefaultKeyTimeout.
func New(keys KeyStore, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultKeyTimeout
	}
	return &Gate{keys: keys, timeout: timeout}
}

// HasSessionKey reports whether a key exists for peerID. A lookup that
// outlasts the gate timeout counts as no key.
func (g *Gate) HasSessionKey(ctx context.Context, peerID string) bool {
	if g == nil || g.keys == nil || peerID == "" {
		return false
	}
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.hasKey(callCtx, peerID)
}

// Encrypt seals plaintext for peerID. It fails with ErrEncryptionFailed
// rather than returning partial output. The key lookup and the seal share
// one gate timeout.
func (g *Gate) Encrypt(ctx context.Context, plaintext []byte, peerID string) ([]byte, error) {
	if g == nil || g.keys == nil || peerID == "" {
		return nil, errors.Wrapf(ErrEncryptionFailed, "no session key for %s", peerID)
	}
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	if !g.hasKey(callCtx, peerID) {
		return nil, errors.Wrapf(ErrEncryptionFailed, "no session key for %s", peerID)
	}

	ciphertext, err := call(callCtx, func() ([]byte, error) {
		return g.keys.Encrypt(callCtx, plaintext, peerID)
	})
	if err != nil {
		jww.DEBUG.Printf("[gate] encrypt for %s failed: %v", peerID, err)
		return nil, errors.Wrapf(ErrEncryptionFailed, "peer %s", peerID)
	}
	if len(ciphertext) == 0 {
		return nil, errors.Wrapf(ErrEncryptionFailed, "empty ciphertext for %s", peerID)
	}
	return ciphertext, nil
}

// Decrypt opens ciphertext received from peerID. Every failure is reported
// as ErrDecryptFailure with no further detail.
func (g *Gate) Decrypt(ctx context.Context, ciphertext []byte, peerID string) ([]byte, error) {
	if g == nil || g.keys == nil || peerID == "" || len(ciphertext) == 0 {
		return nil, ErrDecryptFailure
	}
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	if !g.hasKey(callCtx, peerID) {
		return nil, ErrDecryptFailure
	}

	plaintext, err := call(callCtx, func() ([]byte, error) {
		return g.keys.Decrypt(callCtx, ciphertext, peerID)
	})
	if err != nil {
		jww.TRACE.Printf("[gate] decrypt from %s failed: %v", peerID, err)
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

func (g *Gate) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gate) hasKey(ctx context.Context, peerID string) bool {
	found, err := call(ctx, func() (bool, error) {
		return g.keys.HasKey(peerID), nil
	})
	if err != nil {
		jww.DEBUG.Printf("[gate] key lookup for %s abandoned: %v", peerID, err)
		return false
	}
	return found
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn against the key store and gives up when ctx ends. fn keeps
// running in the background after an abandoned call.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	done := make(chan result[T], 1)
	go func() {
		value, err := fn()
		done <- result[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "key store call")
	}
}
