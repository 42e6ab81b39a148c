// Package eventstream carries location events from every machine of an
// epoch to its master. Topics are checkpoint prefixes, so records of
// different epochs never mix.
package eventstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/locsync/pkg/types"
)

// Record is an event with its position in the stream.
type Record struct {
	Seq   int64
	Event types.LocationEvent
}

// Stream is an append-only, totally ordered log per topic.
type Stream interface {
	Publish(ctx context.Context, topic string, events ...types.LocationEvent) error
	// Read returns up to max records of topic with Seq > afterSeq, ascending.
	Read(ctx context.Context, topic string, afterSeq int64, max int) ([]Record, error)
}

// ============================================================================
// In-process stream
// ============================================================================

// MemoryStream is shared between in-process machines in tests.
type MemoryStream struct {
	mu      sync.Mutex
	seq     int64
	records map[string][]Record
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{records: make(map[string][]Record)}
}

func (m *MemoryStream) Publish(ctx context.Context, topic string, events ...types.LocationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.seq++
		m.records[topic] = append(m.records[topic], Record{Seq: m.seq, Event: ev})
	}
	return nil
}

func (m *MemoryStream) Read(ctx context.Context, topic string, afterSeq int64, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records[topic] {
		if r.Seq <= afterSeq {
			continue
		}
		out = append(out, r)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// ============================================================================
// SQLite stream (shares the shared-state database file)
// ============================================================================

// SQLiteStream stores records in the events table created by
// sharedstate.OpenSQLite.
type SQLiteStream struct {
	db *sql.DB
}

func NewSQLiteStream(db *sql.DB) *SQLiteStream {
	return &SQLiteStream{db: db}
}

func (s *SQLiteStream) Publish(ctx context.Context, topic string, events ...types.LocationEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("publish: marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (topic, payload, created_at) VALUES (?, ?, ?)`,
			topic, payload, now,
		); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("publish: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStream) Read(ctx context.Context, topic string, afterSeq int64, max int) ([]Record, error) {
	if max <= 0 {
		max = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM events
		WHERE topic = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, topic, afterSeq, max)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			payload []byte
		)
		if err := rows.Scan(&r.Seq, &payload); err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Event); err != nil {
			return nil, fmt.Errorf("read events: decode seq %d: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
