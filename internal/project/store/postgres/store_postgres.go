// Package postgres is the networked record backend on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	"midas/pkg/platform/sentinel"
	txcontext "midas/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists records, sequences and provenance in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store. Call EnsureSchema
// once before use.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// EnsureSchema creates the tables and indexes if missing. Concurrent callers
// serialize on an advisory lock.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		q := s.execer(ctx)
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('dbio_schema'))`); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := q.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	})
}

// translateUnique maps unique-index violations onto store sentinels.
func translateUnique(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case pkeyConstraint:
		return fmt.Errorf("%s: %w", pqErr.Detail, sentinel.ErrConflict)
	case activeNameConstraint:
		return fmt.Errorf("%s: %w", pqErr.Detail, sentinel.ErrAlreadyUsed)
	}
	return err
}

func (s *PostgresStore) CreateRecord(ctx context.Context, coll, id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error) {
	rec, err := store.NewRecord(id, name, owner, defaults, now)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO dbio_records (coll, id, name, owner, state, deactivated, doc)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		coll, id, name, owner, string(rec.Status.State), string(doc))
	if err != nil {
		return nil, fmt.Errorf("create record %s: %w", id, translateUnique(err))
	}
	return rec, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*models.ProjectRecord, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	var rec models.ProjectRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %v: %w", err, sentinel.ErrInvalidState)
	}
	return &rec, nil
}

func (s *PostgresStore) GetRecordFor(ctx context.Context, coll, idOrName, owner string) (*models.ProjectRecord, error) {
	q := s.execer(ctx)
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT doc FROM dbio_records WHERE coll = $1 AND id = $2`, coll, idOrName))
	if err == nil || !errors.Is(err, sentinel.ErrNotFound) || owner == "" {
		return rec, err
	}
	return scanRecord(q.QueryRowContext(ctx,
		`SELECT doc FROM dbio_records WHERE coll = $1 AND owner = $2 AND name = $3 AND NOT deactivated`,
		coll, owner, idOrName))
}

func (s *PostgresStore) NameExists(ctx context.Context, coll, name, owner string) (bool, error) {
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM dbio_records
		               WHERE coll = $1 AND owner = $2 AND name = $3 AND NOT deactivated)`,
		coll, owner, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check name: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Save(ctx context.Context, coll string, rec *models.ProjectRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE dbio_records
		SET name = $3, owner = $4, state = $5, deactivated = $6, doc = $7
		WHERE coll = $1 AND id = $2`,
		coll, rec.ID, rec.Name, rec.Owner, string(rec.Status.State), rec.Deactivated, string(doc))
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, translateUnique(err))
	}
	return requireRow(res, rec.ID)
}

func (s *PostgresStore) Delete(ctx context.Context, coll, id string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM dbio_records WHERE coll = $1 AND id = $2`, coll, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

// NextSequenceFor relies on the upsert taking a row lock, so concurrent
// callers on one shoulder are handed consecutive numbers.
func (s *PostgresStore) NextSequenceFor(ctx context.Context, shoulder string) (int, error) {
	var next int
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO dbio_sequences (shoulder, next) VALUES ($1, 1)
		ON CONFLICT (shoulder) DO UPDATE SET next = dbio_sequences.next + 1
		RETURNING next`, shoulder).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", shoulder, err)
	}
	return next, nil
}

func (s *PostgresStore) SelectRecords(ctx context.Context, coll string, f store.Filter) ([]*models.ProjectRecord, error) {
	where := []string{"coll = $1"}
	args := []any{coll}
	if !f.IncludeDeactivated {
		where = append(where, "NOT deactivated")
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	query := "SELECT doc FROM dbio_records WHERE " + strings.Join(where, " AND ") + " ORDER BY id"

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []*models.ProjectRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendAction(ctx context.Context, coll string, e provenance.Entry) error {
	line, err := provenance.Encode(e)
	if err != nil {
		return err
	}
	_, err = s.execer(ctx).ExecContext(ctx,
		`INSERT INTO dbio_actions (coll, subject_id, entry) VALUES ($1, $2, $3)`,
		coll, e.RecordID(), strings.TrimSpace(string(line)))
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActionsFor(ctx context.Context, coll, id string) ([]provenance.Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT entry FROM dbio_actions WHERE coll = $1 AND subject_id = $2 ORDER BY seq`, coll, id)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []provenance.Entry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var e provenance.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode action: %v: %w", err, sentinel.ErrInvalidState)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
