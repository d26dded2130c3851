// Package caserecord guards structured case state with optimistic
// concurrency. Every write names the version it was based on; stale writes
// are rejected with the current record so the caller can rebase.
package caserecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("caserecord: case not found")

// VersionConflictError reports a stale write. It carries the record as it
// stands so clients can merge and retry without an extra round trip.
type VersionConflictError struct {
	CaseID         string
	KnownVersion   int64
	CurrentVersion int64
	CurrentState   json.RawMessage
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("caserecord: version conflict on %s: submitted against %d, current is %d",
		e.CaseID, e.KnownVersion, e.CurrentVersion)
}

// Case is one row of authoritative structured state.
type Case struct {
	CaseID    string          `json:"caseId"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedBy string          `json:"updatedBy"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DB is the slice of pgx.Pool the controller needs. Tests substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Controller performs compare-and-swap updates against the cases table.
// A version of zero means "create": the caller claims the record does not
// exist yet.
type Controller struct {
	db DB
}

func NewController(db DB) *Controller {
	return &Controller{db: db}
}

func (c *Controller) EnsureSchema(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cases (
			case_id    TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			state      JSONB NOT NULL,
			updated_by TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("caserecord: ensure schema: %w", err)
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, caseID string) (Case, error) {
	rec := Case{CaseID: caseID}
	err := c.db.QueryRow(ctx,
		`SELECT version, state, updated_by, updated_at FROM cases WHERE case_id = $1`,
		caseID).Scan(&rec.Version, &rec.State, &rec.UpdatedBy, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("caserecord: get %s: %w", caseID, err)
	}
	return rec, nil
}

// Update writes one section of the case state if and only if the stored
// version still equals knownVersion. The compare, the section merge, and the
// version bump are a single statement, so two racing writers cannot both
// succeed against the same version. On a stale version the returned error is
// a *VersionConflictError holding the current record.
func (c *Controller) Update(ctx context.Context, caseID, section string, patch json.RawMessage, knownVersion int64, updatedBy string) (Case, error) {
	if knownVersion == 0 {
		return c.create(ctx, caseID, section, patch, updatedBy)
	}

	rec := Case{CaseID: caseID, UpdatedBy: updatedBy}
	err := c.db.QueryRow(ctx, `
		UPDATE cases
		SET version = version + 1,
		    state = jsonb_set(state, ARRAY[$3], $4::jsonb, true),
		    updated_by = $5, updated_at = now()
		WHERE case_id = $1 AND version = $2
		RETURNING version, state, updated_at`,
		caseID, knownVersion, section, patch, updatedBy).Scan(&rec.Version, &rec.State, &rec.UpdatedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("caserecord: update %s: %w", caseID, err)
	}

	// No row matched: either the case is missing or the version moved on.
	current, getErr := c.Get(ctx, caseID)
	if getErr != nil {
		return Case{}, getErr
	}
	return Case{}, &VersionConflictError{
		CaseID:         caseID,
		KnownVersion:   knownVersion,
		CurrentVersion: current.Version,
		CurrentState:   current.State,
	}
}

func (c *Controller) create(ctx context.Context, caseID, section string, patch json.RawMessage, updatedBy string) (Case, error) {
	rec := Case{CaseID: caseID, UpdatedBy: updatedBy}
	err := c.db.QueryRow(ctx, `
		INSERT INTO cases (case_id, version, state, updated_by, updated_at)
		VALUES ($1, 1, jsonb_build_object($2::text, $3::jsonb), $4, now())
		ON CONFLICT (case_id) DO NOTHING
		RETURNING version, state, updated_at`,
		caseID, section, patch, updatedBy).Scan(&rec.Version, &rec.State, &rec.UpdatedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("caserecord: create %s: %w", caseID, err)
	}

	// Someone created it first; report their record as the conflict target.
	current, getErr := c.Get(ctx, caseID)
	if getErr != nil {
		return Case{}, getErr
	}
	return Case{}, &VersionConflictError{
		CaseID:         caseID,
		KnownVersion:   0,
		CurrentVersion: current.Version,
		CurrentState:   current.State,
	}
}
