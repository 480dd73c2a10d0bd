package storage

import (
	"testing"
	"time"
)

// newTestStore opens a store in a temp dir. The maintenance loop is slowed
// so tests control pruning themselves.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, Options{MaintenanceInterval: time.Hour})
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

// mustAddPeer adds a pending peer whose key and fingerprint derive from
// deviceID.
func mustAddPeer(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	if err := store.AddPeer(Peer{
		DeviceID:         deviceID,
		DeviceName:       name,
		Ed25519PublicKey: "key-" + deviceID,
		KeyFingerprint:   "fp-" + deviceID,
	}); err != nil {
		t.Fatalf("add peer %q: %v", deviceID, err)
	}
}

// mustLogEvent stores event and fails the test on error.
func mustLogEvent(t *testing.T, store *Store, event SecurityEvent) {
	t.Helper()
	if err := store.LogSecurityEvent(event); err != nil {
		t.Fatalf("log %s event: %v", event.EventType, err)
	}
}

func strPtr(s string) *string { return &s }
