package storage

import "github.com/pkg/errors"

// InsertSeenID records a message ID used for flood deduplication.
func (s *Store) InsertSeenID(messageID string, receivedAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert seen message ID %q", messageID)
	}

	return nil
}

// RecentSeenIDs returns up to limit IDs seen at or after since, oldest
// first, with their receive timestamps.
func (s *Store) RecentSeenIDs(since int64, limit int) ([]string, []int64, error) {
	if limit <= 0 {
		limit = 4096
	}

	// Newest rows win when the limit cuts; the outer query restores order.
	rows, err := s.db.Query(
		`SELECT message_id, received_at FROM (
			SELECT message_id, received_at
			FROM seen_message_ids
			WHERE received_at >= ?
			ORDER BY received_at DESC, message_id DESC
			LIMIT ?
		) ORDER BY received_at ASC, message_id ASC`,
		since,
		limit,
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query recent seen message IDs")
	}
	defer rows.Close()

	ids := make([]string, 0)
	seenAt := make([]int64, 0)
	for rows.Next() {
		var (
			id string
			at int64
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, nil, errors.Wrap(err, "scan seen message ID row")
		}
		ids = append(ids, id)
		seenAt = append(seenAt, at)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "iterate seen message ID rows")
	}

	return ids, seenAt, nil
}

// PruneOldEntries removes seen_message_ids rows older than cutoff timestamp.
func (s *Store) PruneOldEntries(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, errors.Wrap(err, "prune seen message IDs")
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "read rows affected for seen ID prune")
	}

	return rowsAffected, nil
}
