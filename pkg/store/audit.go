package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/audit"
)

// AuditRecord is a persisted audit event.
type AuditRecord struct {
	ID        int64
	Type      string
	Severity  audit.Severity
	Timestamp time.Time
	Actor     string
	RequestID string
	Details   map[string]string
}

// AuditFilter specifies criteria for querying audit records.
type AuditFilter struct {
	Type   string
	Since  time.Time
	Cursor string
	Limit  int
}

// InsertAuditRecord adds a new audit record to the database.
func (s *Store) InsertAuditRecord(ctx context.Context, r *AuditRecord) (int64, error) {
	details, err := marshalJSON(r.Details)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal details: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (type, severity, timestamp, actor, request_id, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Type,
		int(r.Severity),
		millis(r.Timestamp),
		r.Actor,
		r.RequestID,
		details,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// QueryAuditRecords returns records matching filter, newest first, and the
// cursor of the next page ("" on the last page).
func (s *Store) QueryAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, string, error) {
	after, err := decodeCursor("a", filter.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := clampLimit(filter.Limit)

	var conditions []string
	var args []interface{}

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, millis(filter.Since))
	}
	if after > 0 {
		conditions = append(conditions, "id < ?")
		args = append(args, after)
	}

	query := `SELECT id, type, severity, timestamp, actor, request_id, details FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return nil, "", err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(records) > limit {
		records = records[:limit]
		next = encodeCursor("a", records[limit-1].ID)
	}
	return records, next, nil
}

func scanAuditRecord(rows *sql.Rows) (*AuditRecord, error) {
	var r AuditRecord
	var severity int
	var ts int64
	var details string

	if err := rows.Scan(&r.ID, &r.Type, &severity, &ts, &r.Actor, &r.RequestID, &details); err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}
	r.Severity = audit.Severity(severity)
	r.Timestamp = fromMillis(ts)
	if err := unmarshalJSON(details, &r.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal details: %w", err)
	}
	return &r, nil
}

// AuditSink is an audit.EventEmitter that persists events in the store.
// Events must be emitted outside of Update and View: the store has a single
// connection.
type AuditSink struct {
	store *Store
}

// NewAuditSink creates an AuditSink writing to s.
func NewAuditSink(s *Store) *AuditSink {
	return &AuditSink{store: s}
}

// Emit persists ev.
func (a *AuditSink) Emit(ev audit.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.store.InsertAuditRecord(context.Background(), &AuditRecord{
		Type:      string(ev.Type),
		Severity:  ev.Severity,
		Timestamp: ts,
		Actor:     ev.ActorID,
		RequestID: ev.RequestID,
		Details:   ev.Details,
	})
	return err
}
