package storage

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// severityRank orders severities for MinSeverity filtering.
var severityRank = map[string]int{
	SecuritySeverityInfo:     0,
	SecuritySeverityWarning:  1,
	SecuritySeverityCritical: 2,
}

// LogSecurityEvent stores one event. Missing severity defaults to info,
// missing details to an empty JSON object and a zero timestamp to now.
// Expired events are removed by the maintenance loop, not here.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if _, ok := severityRank[event.Severity]; !ok {
		return errors.Errorf("invalid security event severity %q", event.Severity)
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.Errorf("details of %s event are not valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events
			(event_type, peer_device_id, message_id, message_type, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedOrNil(event.PeerDeviceID)),
		nullString(trimmedOrNil(event.MessageID)),
		optionalText(event.MessageType),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	return errors.Wrapf(err, "insert %s security event", event.EventType)
}

// SecurityEvents returns matching events, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	var q conditions
	if len(filter.Kinds) > 0 {
		q.in("event_type", filter.Kinds)
	}
	if filter.PeerDeviceID != "" {
		q.add("peer_device_id = ?", filter.PeerDeviceID)
	}
	if filter.MessageID != "" {
		q.add("message_id = ?", filter.MessageID)
	}
	if filter.MinSeverity != "" {
		floor, ok := severityRank[filter.MinSeverity]
		if !ok {
			return nil, errors.Errorf("invalid security event severity %q", filter.MinSeverity)
		}
		var levels []string
		for severity, rank := range severityRank {
			if rank >= floor {
				levels = append(levels, severity)
			}
		}
		q.in("severity", levels)
	}
	if filter.Since > 0 {
		q.add("timestamp >= ?", filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, peer_device_id, message_id, message_type, details, severity, timestamp
		FROM security_events`+q.where()+` ORDER BY timestamp DESC, id DESC LIMIT ?`,
		append(q.args, limit)...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query security events")
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan security event")
		}
		events = append(events, event)
	}
	return events, errors.Wrap(rows.Err(), "iterate security events")
}

// SecurityEventCounts returns the number of events per event type recorded
// at or after since.
func (s *Store) SecurityEventCounts(since int64) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT event_type, COUNT(1) FROM security_events WHERE timestamp >= ? GROUP BY event_type`,
		since,
	)
	if err != nil {
		return nil, errors.Wrap(err, "count security events")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, errors.Wrap(err, "scan security event count")
		}
		counts[kind] = count
	}
	return counts, errors.Wrap(rows.Err(), "iterate security event counts")
}

// PruneSecurityEvents removes events recorded before cutoff and returns
// how many were removed.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be positive")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune security events")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "count pruned security events")
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event       SecurityEvent
		peerID      sql.NullString
		messageID   sql.NullString
		messageType sql.NullString
	)
	err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&messageID,
		&messageType,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	)
	event.PeerDeviceID = stringPtr(peerID)
	event.MessageID = stringPtr(messageID)
	event.MessageType = messageType.String
	return event, err
}

// conditions accumulates a WHERE clause and its arguments.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, arg any) {
	c.clauses = append(c.clauses, clause)
	c.args = append(c.args, arg)
}

func (c *conditions) in(column string, values []string) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	c.clauses = append(c.clauses, column+" IN ("+marks+")")
	for _, v := range values {
		c.args = append(c.args, v)
	}
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func trimmedOrNil(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func optionalText(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
