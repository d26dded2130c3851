package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow slice of pgx the snapshot store needs, kept as an
// interface so tests can fake it without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSnapshotStore persists compacted document snapshots in Postgres.
type PGSnapshotStore struct {
	DB DB
}

func (s *PGSnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS doc_snapshots (
			doc_id     TEXT PRIMARY KEY,
			snapshot   BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("docsync: ensure schema: %w", err)
	}
	return nil
}

func (s *PGSnapshotStore) Fetch(ctx context.Context, docID string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRow(ctx, `SELECT snapshot FROM doc_snapshots WHERE doc_id=$1`, docID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docsync: fetch snapshot: %w", err)
	}
	return data, nil
}

func (s *PGSnapshotStore) Store(ctx context.Context, docID string, snapshot []byte) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO doc_snapshots (doc_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=now()
	`, docID, snapshot)
	if err != nil {
		return fmt.Errorf("docsync: store snapshot: %w", err)
	}
	return nil
}

// MemorySnapshotStore backs single-process and degraded deployments where
// no database is reachable.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{items: map[string][]byte{}}
}

func (s *MemorySnapshotStore) Fetch(_ context.Context, docID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[docID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemorySnapshotStore) Store(_ context.Context, docID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(snapshot))
	copy(data, snapshot)
	s.items[docID] = data
	return nil
}
