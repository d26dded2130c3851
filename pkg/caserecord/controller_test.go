package caserecord

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB mimics the cases table semantics closely enough for the
// controller's three statements, including the section merge.
type fakeDB struct {
	mu    sync.Mutex
	rows  map[string]*Case
	execs []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[string]*Case{}}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func mergeSection(state json.RawMessage, section string, patch json.RawMessage) json.RawMessage {
	sections := map[string]json.RawMessage{}
	if len(state) > 0 {
		_ = json.Unmarshal(state, &sections)
	}
	sections[section] = append(json.RawMessage(nil), patch...)
	out, _ := json.Marshal(sections)
	return out
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "UPDATE cases"):
		caseID, known := args[0].(string), args[1].(int64)
		rec, ok := f.rows[caseID]
		if !ok || rec.Version != known {
			return fakeRow{err: pgx.ErrNoRows}
		}
		rec.Version++
		rec.State = mergeSection(rec.State, args[2].(string), args[3].(json.RawMessage))
		rec.UpdatedBy = args[4].(string)
		rec.UpdatedAt = time.Now()
		return fakeRow{vals: []any{rec.Version, rec.State, rec.UpdatedAt}}
	case strings.Contains(sql, "INSERT INTO cases"):
		caseID := args[0].(string)
		if _, ok := f.rows[caseID]; ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		rec := &Case{
			CaseID:    caseID,
			Version:   1,
			State:     mergeSection(nil, args[1].(string), args[2].(json.RawMessage)),
			UpdatedBy: args[3].(string),
			UpdatedAt: time.Now(),
		}
		f.rows[caseID] = rec
		return fakeRow{vals: []any{rec.Version, rec.State, rec.UpdatedAt}}
	case strings.Contains(sql, "SELECT version"):
		rec, ok := f.rows[args[0].(string)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{rec.Version, rec.State, rec.UpdatedBy, rec.UpdatedAt}}
	}
	return fakeRow{err: errors.New("unexpected statement: " + sql)}
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.vals[i].(int64)
		case *json.RawMessage:
			*p = append(json.RawMessage(nil), r.vals[i].(json.RawMessage)...)
		case *string:
			*p = r.vals[i].(string)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		default:
			return errors.New("fakeRow: unsupported scan target")
		}
	}
	return nil
}

func TestCreateThenUpdate(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeDB())
	ctx := context.Background()

	rec, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"rest"`), 0, "dr-ada")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}

	rec, err = ctrl.Update(ctx, "case-1", "status", json.RawMessage(`"open"`), 1, "dr-bao")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}

	got, err := ctrl.Get(ctx, "case-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(got.State, &sections); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if string(sections["plan"]) != `"rest"` || string(sections["status"]) != `"open"` {
		t.Fatalf("sections should accumulate, got %s", got.State)
	}
	if got.UpdatedBy != "dr-bao" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestStaleWriteConflicts(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeDB())
	ctx := context.Background()

	if _, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"a"`), 0, "dr-ada"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"b"`), 1, "dr-bao"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// dr-ada still holds version 1 and loses the race.
	_, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"c"`), 1, "dr-ada")
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.CurrentVersion != 2 {
		t.Fatalf("conflict should carry current version 2, got %d", conflict.CurrentVersion)
	}
	if !strings.Contains(string(conflict.CurrentState), `"b"`) {
		t.Fatalf("conflict should carry current state, got %s", conflict.CurrentState)
	}

	// The same stale version fails deterministically every time.
	_, err = ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"c"`), 1, "dr-ada")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected second conflict, got %v", err)
	}
}

func TestCreateRace(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeDB())
	ctx := context.Background()

	if _, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"a"`), 0, "dr-ada"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := ctrl.Update(ctx, "case-1", "plan", json.RawMessage(`"b"`), 0, "dr-bao")
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	if conflict.CurrentVersion != 1 {
		t.Fatalf("expected current version 1, got %d", conflict.CurrentVersion)
	}
}

func TestUpdateMissingCase(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeDB())
	_, err := ctrl.Update(context.Background(), "ghost", "plan", json.RawMessage(`{}`), 3, "dr-ada")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMissingCase(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeDB())
	if _, err := ctrl.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	if err := NewController(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS cases") {
		t.Fatalf("unexpected schema statements: %v", db.execs)
	}
}
