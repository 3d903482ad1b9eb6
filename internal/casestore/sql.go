package casestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

var tracer = otel.Tracer("courtwatch.internal.casestore")

type SQLConfig struct {
	// Driver is "sqlite" for a local file or "libsql" for a remote database.
	Driver string `json:"driver"`
	// File is the sqlite database path, `<dev_state>/` prefixes are resolved.
	File string `json:"file"`
	// URL is the libsql connection url.
	URL       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func (config SQLConfig) libsqlURL() (string, error) {
	if config.AuthToken == "" {
		return config.URL, nil
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return "", fmt.Errorf("parse libsql url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", config.AuthToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (config SQLConfig) OpenDB() (*sql.DB, error) {
	switch config.Driver {
	case "libsql":
		if config.URL == "" {
			return nil, fmt.Errorf("a libsql url was not specified")
		}
		dsn, err := config.libsqlURL()
		if err != nil {
			return nil, err
		}
		return sql.Open("libsql", dsn)
	case "", "sqlite":
	default:
		return nil, fmt.Errorf("unknown sql driver %q", config.Driver)
	}

	if config.File == "" {
		return nil, fmt.Errorf("a path was not specified")
	}
	dbpath := config.File
	if dbpath != ":memory:" {
		var err error
		dbpath, err = configutil.ResolvePath(config.File)
		if err != nil {
			return nil, err
		}
		_, statErr := os.Stat(dbpath)
		if os.IsNotExist(statErr) {
			f, err := os.Create(dbpath)
			if err != nil {
				return nil, err
			}
			f.Close()
		}
	}

	db, err := sql.Open("sqlite", dbpath)
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time, a single connection keeps writes
	// from failing with SQLITE_BUSY and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if dbpath != ":memory:" {
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the schema if it does not exist yet.
func NewSQLStore(ctx context.Context, db *sql.DB) (SQLStore, error) {
	_, err := db.ExecContext(ctx, Schema)
	if err != nil {
		return SQLStore{}, fmt.Errorf("create schema: %w", err)
	}
	return SQLStore{db: db}, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

const selectColumns = `select case_id, last_status, last_reason, last_attempt_at,
	next_court_date_time, prosecutor, defendant, created_at from scrape_case`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r         Record
		attempt   sql.NullInt64
		hearing   sql.NullInt64
		createdAt int64
		status    string
	)
	err := row.Scan(&r.CaseID, &status, &r.LastReason, &attempt, &hearing, &r.Prosecutor, &r.Defendant, &createdAt)
	if err != nil {
		return Record{}, err
	}
	r.LastStatus = scrape.StateTag(status)
	r.LastAttemptAt = fromMillis(attempt)
	r.NextCourtDateTime = fromMillis(hearing)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}

func (s SQLStore) Add(ctx context.Context, caseID scrape.CaseID) (Record, error) {
	_, err := s.db.ExecContext(
		ctx,
		`insert into scrape_case (case_id, created_at) values (?, ?) on conflict (case_id) do nothing`,
		caseID, time.Now().UnixMilli(),
	)
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, caseID)
}

func (s SQLStore) Get(ctx context.Context, caseID scrape.CaseID) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` where case_id = ?`, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	return r, err
}

func (s SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` order by case_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s SQLStore) SaveOutcome(ctx context.Context, outcome scrape.Outcome) (Record, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.SaveOutcome")
	defer span.End()

	previous, err := s.saveOutcome(ctx, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save outcome")
	}
	return previous, err
}

func (s SQLStore) saveOutcome(ctx context.Context, outcome scrape.Outcome) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	previous, err := scanRecord(tx.QueryRowContext(ctx, selectColumns+` where case_id = ?`, outcome.CaseID))
	if errors.Is(err, sql.ErrNoRows) {
		previous = Record{CaseID: outcome.CaseID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return Record{}, err
	}

	next := previous.Apply(outcome)
	_, err = tx.ExecContext(
		ctx,
		`insert into scrape_case (
			case_id, last_status, last_reason, last_attempt_at,
			next_court_date_time, prosecutor, defendant, created_at
		) values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (case_id) do update set
			last_status = excluded.last_status,
			last_reason = excluded.last_reason,
			last_attempt_at = excluded.last_attempt_at,
			next_court_date_time = excluded.next_court_date_time,
			prosecutor = excluded.prosecutor,
			defendant = excluded.defendant`,
		next.CaseID, string(next.LastStatus), next.LastReason, toMillis(next.LastAttemptAt),
		toMillis(next.NextCourtDateTime), next.Prosecutor, next.Defendant, next.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, err
	}
	return previous, tx.Commit()
}

func (s SQLStore) Close() error {
	return s.db.Close()
}
