package history

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Run is one recorded verification run.
type Run struct {
	ID               string        `json:"id"`
	Provider         string        `json:"provider"`
	ProviderVersion  string        `json:"providerVersion"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	Succeeded        bool          `json:"succeeded"`
	ResultsPublished bool          `json:"resultsPublished"`
	Verified         int           `json:"verified"`
	Unverified       int           `json:"unverified"`
}

// Interaction is the verdict for one interaction of one pact in a run.
type Interaction struct {
	Consumer        string   `json:"consumer"`
	ConsumerVersion string   `json:"consumerVersion"`
	PactVersion     string   `json:"pactVersion"`
	Tags            []string `json:"tags"`
	Position        int      `json:"position"`
	Description     string   `json:"description"`
	Verified        bool     `json:"verified"`
	Reason          string   `json:"reason"`
}

// Store is a SQLite ledger of verification runs.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open history database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to connect to history database")
	}

	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "unable to execute %q", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to apply history schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a run and its interaction verdicts in one transaction.
func (s *Store) Record(ctx context.Context, run Run, interactions []Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin history transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, provider, provider_version, started_at, duration_ms, succeeded, results_published)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Provider, run.ProviderVersion, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(),
		run.Succeeded, run.ResultsPublished)
	if err != nil {
		return errors.Wrapf(err, "unable to record run %s", run.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO interactions (run_id, consumer, consumer_version, pact_version, tags, position, description, verified, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "unable to prepare interaction insert")
	}
	defer stmt.Close()

	for _, i := range interactions {
		_, err := stmt.ExecContext(ctx, run.ID, i.Consumer, i.ConsumerVersion, i.PactVersion,
			strings.Join(i.Tags, ","), i.Position, i.Description, i.Verified, i.Reason)
		if err != nil {
			return errors.Wrapf(err, "unable to record interaction %d of %s", i.Position, i.Consumer)
		}
	}

	return errors.Wrap(tx.Commit(), "unable to commit history transaction")
}

// Runs returns the most recent runs, newest first. An empty provider matches
// every provider.
func (s *Store) Runs(ctx context.Context, provider string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.provider, r.provider_version, r.started_at, r.duration_ms, r.succeeded, r.results_published,
		        COALESCE(SUM(i.verified), 0), COUNT(i.run_id) - COALESCE(SUM(i.verified), 0)
		   FROM runs r
		   LEFT JOIN interactions i ON i.run_id = r.id
		  WHERE ? = '' OR r.provider = ?
		  GROUP BY r.id
		  ORDER BY r.started_at DESC, r.id DESC
		  LIMIT ?`,
		provider, provider, limit)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                   Run
			startedAt, durationMS int64
		)
		if err := rows.Scan(&run.ID, &run.Provider, &run.ProviderVersion, &startedAt, &durationMS,
			&run.Succeeded, &run.ResultsPublished, &run.Verified, &run.Unverified); err != nil {
			return nil, errors.Wrap(err, "unable to scan run")
		}
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "unable to read runs")
}

// Interactions returns the recorded verdicts of a run in pact then position order.
func (s *Store) Interactions(ctx context.Context, runID string) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer, consumer_version, pact_version, tags, position, description, verified, reason
		   FROM interactions
		  WHERE run_id = ?
		  ORDER BY rowid`,
		runID)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query interactions of run %s", runID)
	}
	defer rows.Close()

	var interactions []Interaction
	for rows.Next() {
		var (
			i    Interaction
			tags string
		)
		if err := rows.Scan(&i.Consumer, &i.ConsumerVersion, &i.PactVersion, &tags, &i.Position,
			&i.Description, &i.Verified, &i.Reason); err != nil {
			return nil, errors.Wrap(err, "unable to scan interaction")
		}
		if tags != "" {
			i.Tags = strings.Split(tags, ",")
		}
		interactions = append(interactions, i)
	}
	return interactions, errors.Wrap(rows.Err(), "unable to read interactions")
}
