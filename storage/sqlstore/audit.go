package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"lukechampine.com/blake3"

	"jobescrow/core/events"
	"jobescrow/core/types"
)

// ErrChainBroken is returned by Verify when a stored entry does not hash to
// the recorded value or does not link to its predecessor.
var ErrChainBroken = errors.New("audit log: hash chain broken")

// Entry is one persisted audit record.
type Entry struct {
	Sequence  int64             `json:"sequence"`
	Type      string            `json:"type"`
	Attrs     map[string]string `json:"attributes"`
	PrevHash  string            `json:"prevHash"`
	Hash      string            `json:"hash"`
	CreatedAt time.Time         `json:"createdAt"`
}

// AuditLog persists emitted events in sqlite. Each entry commits to its
// predecessor through a blake3 hash so tampering is detectable.
type AuditLog struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewAuditLog opens (or creates) the audit database at path. Use ":memory:"
// for an ephemeral log.
func NewAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &AuditLog{db: db, logger: slog.Default(), nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditLog) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            prev_hash TEXT NOT NULL,
            hash TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS audit_events_type ON audit_events(type);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit log: init schema: %w", err)
		}
	}
	return nil
}

// SetLogger overrides the logger used when Emit fails.
func (s *AuditLog) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close releases the database handle.
func (s *AuditLog) Close() error {
	return s.db.Close()
}

func chainHash(prev, eventType string, payload []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Append records the event and returns the stored entry.
func (s *AuditLog) Append(ctx context.Context, evt *types.Event) (Entry, error) {
	if evt == nil {
		return Entry{}, fmt.Errorf("audit log: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY sequence DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}
	hash := chainHash(prev, evt.Type, payload)
	now := s.nowFn().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events(type, payload, prev_hash, hash, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.Type, string(payload), prev, hash, now)
	if err != nil {
		return Entry{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	return Entry{
		Sequence:  seq,
		Type:      evt.Type,
		Attrs:     attrs,
		PrevHash:  prev,
		Hash:      hash,
		CreatedAt: now,
	}, nil
}

// Emit implements events.Emitter. Failures are logged and never propagated.
func (s *AuditLog) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Append(ctx, payload.Event()); err != nil {
		s.logger.Error("audit log append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// List returns up to limit entries with a sequence greater than after.
func (s *AuditLog) List(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, type, payload, prev_hash, hash, created_at FROM audit_events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry   Entry
			payload string
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &payload, &entry.PrevHash, &entry.Hash, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Attrs); err != nil {
			return nil, fmt.Errorf("audit log: decode entry %d: %w", entry.Sequence, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Verify walks the whole log and checks every link of the hash chain.
func (s *AuditLog) Verify(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, type, payload, prev_hash, hash FROM audit_events ORDER BY sequence ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var prev string
	for rows.Next() {
		var (
			seq                         int64
			eventType, payload, pv, got string
		)
		if err := rows.Scan(&seq, &eventType, &payload, &pv, &got); err != nil {
			return err
		}
		if pv != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, seq, pv, prev)
		}
		if want := chainHash(prev, eventType, []byte(payload)); want != got {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, seq)
		}
		prev = got
	}
	return rows.Err()
}
