// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/clock"
	"github.com/formbridge/formbridge/lib/sqlitepool"
)

// schema is applied to every pool connection; CREATE IF NOT EXISTS
// makes it idempotent.
const schema = `
	CREATE TABLE IF NOT EXISTS bridge_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     INTEGER NOT NULL,
		kind          TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		request_id    TEXT,
		request_type  TEXT,
		response_type TEXT,
		error_code    TEXT,
		detail        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_bridge_events_time ON bridge_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_bridge_events_session ON bridge_events(session_id, timestamp);
`

// maxEventBatch bounds how many queued events the writer folds into
// one transaction.
const maxEventBatch = 64

// StoreConfig holds the parameters for opening an event log store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4. Must be 1
	// for ":memory:" databases.
	PoolSize int

	// QueueSize is the append queue capacity. Defaults to 1024.
	// Events recorded while the queue is full are dropped.
	QueueSize int

	// Clock provides the current time for pruning decisions. Event
	// timestamps come from the events themselves. Defaults to the
	// real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a discard
	// logger.
	Logger *slog.Logger
}

// Store is a SQLite-backed log of bridge lifecycle events. It
// implements bridge.Tap; Record never blocks.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	queue   chan appendRequest
	done    chan struct{} // closed when the writer goroutine exits
	dropped atomic.Int64

	// mu guards closed so Record and Sync never send on a closed
	// queue.
	mu     sync.RWMutex
	closed bool
}

// appendRequest is one queue entry: an event to persist, or a sync
// barrier (ack non-nil) that is closed once everything queued before
// it has been committed.
type appendRequest struct {
	event bridge.Event
	ack   chan struct{}
}

// Open creates the store, applying the schema through the pool's
// connection hook, and starts the writer goroutine.
func Open(cfg StoreConfig) (*Store, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}

	store := &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: logger,
		queue:  make(chan appendRequest, queueSize),
		done:   make(chan struct{}),
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}

	go store.writeLoop()
	return store, nil
}

// Close stops accepting events, flushes everything already queued,
// and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.pool.Close()
}

// Record queues one event for persistence. It never blocks: when the
// queue is full the event is dropped and counted.
func (s *Store) Record(event bridge.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- appendRequest{event: event}:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("event log queue full, dropping events")
		}
	}
}

// Dropped reports how many events have been discarded because the
// queue was full or the store was closed.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Sync blocks until every event recorded before the call has been
// committed. Used by tests and graceful shutdown.
func (s *Store) Sync(ctx context.Context) error {
	ack := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("event log: store is closed")
	}
	select {
	case s.queue <- appendRequest{ack: ack}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single writer goroutine. It folds queued events
// into batched transactions: most iterations commit one event, but a
// burst drains up to maxEventBatch per transaction.
func (s *Store) writeLoop() {
	defer close(s.done)

	batch := make([]bridge.Event, 0, maxEventBatch)
	for {
		request, ok := <-s.queue
		if !ok {
			return
		}

		batch = batch[:0]
		var acks []chan struct{}
		if request.ack != nil {
			acks = append(acks, request.ack)
		} else {
			batch = append(batch, request.event)
		}

	drain:
		for len(batch) < maxEventBatch {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break drain
				}
				if next.ack != nil {
					acks = append(acks, next.ack)
					continue
				}
				batch = append(batch, next.event)
			default:
				break drain
			}
		}

		if len(batch) > 0 {
			if err := s.writeBatch(batch); err != nil {
				s.logger.Error("event log write failed",
					"error", err,
					"events", len(batch),
				)
			}
		}
		for _, ack := range acks {
			close(ack)
		}
	}
}

// writeBatch commits a batch in a single IMMEDIATE transaction. The
// writer goroutine outlives any request context, so it uses the
// background context for pool access.
func (s *Store) writeBatch(batch []bridge.Event) (err error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("event log: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("event log: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for i := range batch {
		if err = insertEvent(conn, &batch[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(conn *sqlite.Conn, event *bridge.Event) error {
	err := sqlitex.Execute(conn, `INSERT INTO bridge_events
		(timestamp, kind, session_id, request_id, request_type,
		 response_type, error_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.Time.UnixNano(),
				string(event.Kind),
				event.SessionID,
				nullable(event.RequestID),
				nullable(event.RequestType),
				nullable(event.ResponseType),
				nullable(string(event.ErrorCode)),
				nullable(event.Detail),
			},
		})
	if err != nil {
		return fmt.Errorf("event log: insert: %w", err)
	}
	return nil
}

// nullable maps empty strings to SQL NULL.
func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// Query selects events for Recent. Zero-valued fields are not applied
// as filters.
type Query struct {
	SessionID string
	Kind      bridge.EventKind
	Since     time.Time
	Until     time.Time
	Limit     int // default 100
}

// Recent returns events matching the query, newest first.
func (s *Store) Recent(ctx context.Context, query Query) ([]bridge.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("event log: query: %w", err)
	}
	defer s.pool.Put(conn)

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any
	if query.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(query.Kind))
	}
	if !query.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.Since.UnixNano())
	}
	if !query.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, query.Until.UnixNano())
	}

	sql := "SELECT timestamp, kind, session_id, request_id, " +
		"request_type, response_type, error_code, detail FROM bridge_events"
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	sql += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var events []bridge.Event
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, scanEvent(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event log: query: %w", err)
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) bridge.Event {
	// Columns: timestamp(0), kind(1), session_id(2), request_id(3),
	// request_type(4), response_type(5), error_code(6), detail(7).
	// ColumnText returns "" for NULL, which is exactly the zero value
	// of the optional fields.
	return bridge.Event{
		Time:         time.Unix(0, stmt.ColumnInt64(0)).UTC(),
		Kind:         bridge.EventKind(stmt.ColumnText(1)),
		SessionID:    stmt.ColumnText(2),
		RequestID:    stmt.ColumnText(3),
		RequestType:  stmt.ColumnText(4),
		ResponseType: stmt.ColumnText(5),
		ErrorCode:    bridge.Code(stmt.ColumnText(6)),
		Detail:       stmt.ColumnText(7),
	}
}

// Prune deletes events older than the given age and reports how many
// were removed. Safe to call from a background ticker.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("event log: prune: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-olderThan).UnixNano()
	err = sqlitex.Execute(conn, "DELETE FROM bridge_events WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("event log: prune: %w", err)
	}

	pruned := conn.Changes()
	if pruned > 0 {
		s.logger.Info("event log pruned",
			"events", pruned,
			"older_than", olderThan,
		)
	}
	return pruned, nil
}
