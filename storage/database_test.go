package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenBuildsMeshSchema(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "node")
	store, dbPath, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(schema) {
		t.Fatalf("expected schema version %d, got %d", len(schema), version)
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected WAL journal, got %q", mode)
	}

	for _, index := range []string{"idx_seen_received", "idx_security_kind", "idx_security_message"} {
		var n int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'index' AND name = ?", index,
		).Scan(&n); err != nil {
			t.Fatalf("look up index %s: %v", index, err)
		}
		if n != 1 {
			t.Fatalf("index %s missing", index)
		}
	}
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := first.PinPeer("relay-7", "Relay 7", "key-7", "fp-7", "10.1.0.7:7946"); err != nil {
		t.Fatalf("PinPeer failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	second, _, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	peer, err := second.GetPeer("relay-7")
	if err != nil {
		t.Fatalf("GetPeer after reopen failed: %v", err)
	}
	if peer.KeyFingerprint != "fp-7" {
		t.Fatalf("unexpected fingerprint %q", peer.KeyFingerprint)
	}
	if version, _ := second.SchemaVersion(); version != len(schema) {
		t.Fatalf("schema version changed on reopen: %d", version)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.SecurityEventRetention != DefaultSecurityEventRetention {
		t.Fatalf("unexpected retention %s", opts.SecurityEventRetention)
	}
	if opts.MaintenanceInterval != DefaultMaintenanceInterval {
		t.Fatalf("unexpected maintenance interval %s", opts.MaintenanceInterval)
	}

	custom := Options{SecurityEventRetention: time.Hour, MaintenanceInterval: time.Minute}.withDefaults()
	if custom.SecurityEventRetention != time.Hour || custom.MaintenanceInterval != time.Minute {
		t.Fatalf("custom options overridden: %+v", custom)
	}
}

func TestOpenPrunesExpiredSecurityEvents(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	now := nowUnixMilli()
	mustLogEvent(t, first, SecurityEvent{EventType: "decrypt-failure", Timestamp: now - int64(2*time.Hour/time.Millisecond)})
	mustLogEvent(t, first, SecurityEvent{EventType: "codec-error", Timestamp: now})
	if err := first.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}

	second, _, err := Open(dataDir, Options{SecurityEventRetention: time.Hour})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	events, err := second.SecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "codec-error" {
		t.Fatalf("expected only the recent event to survive, got %+v", events)
	}
}

func TestMaintenanceLoopPrunesOnTick(t *testing.T) {
	store := openTestStore(t, Options{
		SecurityEventRetention: time.Minute,
		MaintenanceInterval:    10 * time.Millisecond,
	})
	mustLogEvent(t, store, SecurityEvent{
		EventType: "keyless-private-send",
		Timestamp: nowUnixMilli() - int64(time.Hour/time.Millisecond),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := store.SecurityEvents(SecurityEventFilter{})
		if err != nil {
			t.Fatalf("SecurityEvents failed: %v", err)
		}
		if len(events) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired event was never pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
