package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

const peerColumns = `
	device_id,
	device_name,
	ed25519_public_key,
	key_fingerprint,
	status,
	added_timestamp,
	last_seen_timestamp,
	last_known_addr`

// AddPeer inserts a new peer row.
func (s *Store) AddPeer(peer Peer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if peer.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if peer.Status == "" {
		peer.Status = PeerStatusPending
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (`+peerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.Status,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownAddr),
	)
	if err != nil {
		return errors.Wrapf(err, "insert peer %q", peer.DeviceID)
	}

	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE device_id = ?`, deviceID)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get peer %q", deviceID)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY device_name, device_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan peer row")
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate peer rows")
	}

	return peers, nil
}

// PinPeer accepts a handshake identity. A first contact is pinned; a known
// peer must present the same key it was pinned with. On success the stored
// name, address and last seen time are refreshed and the peer is marked
// online.
func (s *Store) PinPeer(deviceID, deviceName, ed25519PublicKey, keyFingerprint, addr string) (*Peer, error) {
	existing, err := s.GetPeer(deviceID)
	if errors.Is(err, ErrNotFound) {
		now := nowUnixMilli()
		peer := Peer{
			DeviceID:          deviceID,
			DeviceName:        deviceName,
			Ed25519PublicKey:  ed25519PublicKey,
			KeyFingerprint:    keyFingerprint,
			Status:            PeerStatusOnline,
			AddedTimestamp:    now,
			LastSeenTimestamp: &now,
		}
		if addr != "" {
			peer.LastKnownAddr = &addr
		}
		if err := s.AddPeer(peer); err != nil {
			return nil, err
		}
		return &peer, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.Status == PeerStatusBlocked {
		return existing, ErrPeerBlocked
	}
	if existing.Ed25519PublicKey != ed25519PublicKey {
		if recErr := s.RecordKeyRotationEvent(KeyRotationEvent{
			PeerDeviceID:      deviceID,
			OldKeyFingerprint: existing.KeyFingerprint,
			NewKeyFingerprint: keyFingerprint,
			Decision:          KeyRotationDecisionRejected,
		}); recErr != nil {
			return existing, errors.Wrapf(ErrKeyMismatch, "record rotation failed: %v", recErr)
		}
		return existing, ErrKeyMismatch
	}

	now := nowUnixMilli()
	if strings.TrimSpace(deviceName) != "" && deviceName != existing.DeviceName {
		if err := s.UpdatePeerDeviceName(deviceID, deviceName); err != nil {
			return nil, err
		}
		existing.DeviceName = deviceName
	}
	if addr != "" {
		if err := s.UpdatePeerEndpoint(deviceID, addr, now); err != nil {
			return nil, err
		}
		existing.LastKnownAddr = &addr
	}
	if err := s.UpdatePeerStatus(deviceID, PeerStatusOnline, now); err != nil {
		return nil, err
	}
	existing.Status = PeerStatusOnline
	existing.LastSeenTimestamp = &now

	return existing, nil
}

// UpdatePeerStatus updates status and optionally last seen timestamp (when > 0).
func (s *Store) UpdatePeerStatus(deviceID, status string, lastSeenTimestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE device_id = ?`,
		status,
		lastSeenTimestamp,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return errors.Wrapf(err, "update peer status %q", deviceID)
	}

	return requireRowAffected(res, "peer status update", deviceID)
}

// RemovePeer deletes a peer by device ID.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return errors.Wrapf(err, "remove peer %q", deviceID)
	}

	return requireRowAffected(res, "remove peer", deviceID)
}

// UpdatePeerEndpoint updates the last known host:port and optional last seen timestamp.
func (s *Store) UpdatePeerEndpoint(deviceID, addr string, lastSeenTimestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(addr) == "" {
		return errors.New("addr is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET last_known_addr = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE device_id = ?`,
		addr,
		lastSeenTimestamp,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return errors.Wrapf(err, "update peer endpoint %q", deviceID)
	}

	return requireRowAffected(res, "update peer endpoint", deviceID)
}

// UpdatePeerDeviceName updates the stored peer device name.
func (s *Store) UpdatePeerDeviceName(deviceID, deviceName string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(deviceName) == "" {
		return errors.New("device_name is required")
	}

	res, err := s.db.Exec(`UPDATE peers SET device_name = ? WHERE device_id = ?`, deviceName, deviceID)
	if err != nil {
		return errors.Wrapf(err, "update peer device name %q", deviceID)
	}

	return requireRowAffected(res, "update peer device name", deviceID)
}

// MarkAllPeersOffline resets every non-blocked peer to offline. Called at
// startup since no session survives a restart.
func (s *Store) MarkAllPeersOffline() error {
	if _, err := s.db.Exec(
		`UPDATE peers SET status = ? WHERE status IN (?, ?)`,
		PeerStatusOffline,
		PeerStatusOnline,
		PeerStatusPending,
	); err != nil {
		return errors.Wrap(err, "mark peers offline")
	}
	return nil
}

// RecordKeyRotationEvent persists one trusted/rejected key-change decision.
func (s *Store) RecordKeyRotationEvent(event KeyRotationEvent) error {
	if event.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if event.OldKeyFingerprint == "" {
		return errors.New("old_key_fingerprint is required")
	}
	if event.NewKeyFingerprint == "" {
		return errors.New("new_key_fingerprint is required")
	}
	if err := validateKeyRotationDecision(event.Decision); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO key_rotation_events (
			peer_device_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerDeviceID,
		event.OldKeyFingerprint,
		event.NewKeyFingerprint,
		event.Decision,
		event.Timestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "insert key rotation event for peer %q", event.PeerDeviceID)
	}

	return nil
}

// GetRecentKeyRotationEvents returns key-rotation history for one peer, newest first.
func (s *Store) GetRecentKeyRotationEvents(peerDeviceID string, limit int) ([]KeyRotationEvent, error) {
	if peerDeviceID == "" {
		return nil, errors.New("peer_device_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_device_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		FROM key_rotation_events
		WHERE peer_device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerDeviceID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "get key rotation events for peer %q", peerDeviceID)
	}
	defer rows.Close()

	events := make([]KeyRotationEvent, 0)
	for rows.Next() {
		var event KeyRotationEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerDeviceID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Decision,
			&event.Timestamp,
		); err != nil {
			return nil, errors.Wrap(err, "scan key rotation event row")
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate key rotation event rows")
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		lastSeen      sql.NullInt64
		lastKnownAddr sql.NullString
	)

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.Status,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastKnownAddr,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownAddr = stringPtr(lastKnownAddr)

	return &peer, nil
}

func requireRowAffected(res sql.Result, op, deviceID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "read rows affected for %s %q", op, deviceID)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
