package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrKeyMismatch indicates a peer presented an identity key other than
	// the one pinned on first contact.
	ErrKeyMismatch = errors.New("storage: peer identity key mismatch")
	// ErrPeerBlocked indicates the peer has been blocked locally.
	ErrPeerBlocked = errors.New("storage: peer is blocked")
)

const (
	// PeerStatusOnline marks a peer with a live session.
	PeerStatusOnline = "online"
	// PeerStatusOffline marks a known peer without a session.
	PeerStatusOffline = "offline"
	// PeerStatusPending marks a peer added but never connected.
	PeerStatusPending = "pending"
	// PeerStatusBlocked marks a peer whose sessions are refused.
	PeerStatusBlocked = "blocked"
)

const (
	// KeyRotationDecisionTrusted means a presented replacement key was accepted.
	KeyRotationDecisionTrusted = "trusted"
	// KeyRotationDecisionRejected means a presented replacement key was rejected.
	KeyRotationDecisionRejected = "rejected"
)

// SecurityEventKeyMismatch is logged when a pinned peer presents a new key.
const SecurityEventKeyMismatch = "key-mismatch"

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Peer is a remote node whose identity key has been pinned.
type Peer struct {
	DeviceID          string
	DeviceName        string
	Ed25519PublicKey  string
	KeyFingerprint    string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownAddr     *string
}

// KeyRotationEvent tracks one trust/reject decision for a peer key change.
type KeyRotationEvent struct {
	ID                int64
	PeerDeviceID      string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Decision          string
	Timestamp         int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	MessageID    *string
	// MessageType names the mesh message type involved, empty when unknown.
	MessageType string
	Details     string
	Severity    string
	Timestamp   int64
}

// SecurityEventFilter narrows SecurityEvents results. Empty fields match
// everything.
type SecurityEventFilter struct {
	// Kinds matches any of the listed event types.
	Kinds        []string
	PeerDeviceID string
	MessageID    string
	// MinSeverity keeps events at this severity or above.
	MinSeverity string
	// Since is a unix millisecond lower bound.
	Since int64
	Limit int
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusOnline, PeerStatusOffline, PeerStatusPending, PeerStatusBlocked:
		return nil
	default:
		return errors.Errorf("invalid peer status %q", status)
	}
}

func validateKeyRotationDecision(decision string) error {
	switch decision {
	case KeyRotationDecisionTrusted, KeyRotationDecisionRejected:
		return nil
	default:
		return errors.Errorf("invalid key rotation decision %q", decision)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
