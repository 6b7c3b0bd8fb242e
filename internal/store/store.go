// Package store persists measurement campaigns and estimation runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignExists   = errors.New("campaign already exists")
)

// Campaign is a named set of measurements.
type Campaign struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Samples   int       `json:"samples"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunRecord is the persisted outcome of one estimation run.
type RunRecord struct {
	ID         int64               `json:"id"`
	Campaign   string              `json:"campaign"`
	RunID      string              `json:"runId"`
	Model      core.VariogramModel `json:"model"`
	Residual   float64             `json:"residual"`
	Bins       int                 `json:"bins"`
	Threshold  float64             `json:"threshold"`
	Margin     float64             `json:"margin"`
	MaxPower   float64             `json:"maxPower"`
	Infeasible bool                `json:"infeasible"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Store wraps a SQLite database holding campaigns, samples and runs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dsn and applies the schema. Pass
// ":memory:" for a throwaway in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		campaign_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (campaign_id, seq),
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		model JSON NOT NULL,
		residual REAL NOT NULL,
		bins INTEGER NOT NULL,
		threshold REAL NOT NULL,
		margin REAL NOT NULL,
		max_power REAL NOT NULL,
		infeasible INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_campaign ON runs(campaign_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateCampaign inserts a new, empty campaign.
func (s *Store) CreateCampaign(ctx context.Context, name string) (Campaign, error) {
	if name == "" {
		return Campaign{}, fmt.Errorf("campaign name must not be empty")
	}
	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, created.UnixMilli())
	if err != nil {
		return Campaign{}, fmt.Errorf("failed to insert campaign: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Campaign{}, fmt.Errorf("failed to insert campaign: %w", err)
	} else if n == 0 {
		return Campaign{}, fmt.Errorf("%w: %q", ErrCampaignExists, name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Campaign{}, fmt.Errorf("failed to read campaign id: %w", err)
	}
	return Campaign{ID: id, Name: name, CreatedAt: time.UnixMilli(created.UnixMilli()).UTC()}, nil
}

// AddSamples appends samples to a campaign in one transaction. Load order
// matches insertion order across calls.
func (s *Store) AddSamples(ctx context.Context, campaign string, samples []model.Sample) error {
	if _, err := model.NewSampleSet(samples); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := campaignID(ctx, tx, campaign)
	if err != nil {
		return err
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM samples WHERE campaign_id = ?`, id).Scan(&next); err != nil {
		return fmt.Errorf("failed to read sample sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (campaign_id, seq, x, y, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, smp := range samples {
		if _, err := stmt.ExecContext(ctx, id, next+int64(i), smp.Location.X, smp.Location.Y, smp.Value); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadSamples returns a campaign's samples in insertion order.
func (s *Store) LoadSamples(ctx context.Context, campaign string) (*model.SampleSet, error) {
	id, err := campaignID(ctx, s.db, campaign)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, value FROM samples WHERE campaign_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var smp model.Sample
		if err := rows.Scan(&smp.Location.X, &smp.Location.Y, &smp.Value); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}
	return model.NewSampleSet(out)
}

// ListCampaigns returns every campaign with its sample count, by name.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.created_at, COUNT(s.seq)
		FROM campaigns c LEFT JOIN samples s ON s.campaign_id = c.id
		GROUP BY c.id
		ORDER BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var (
			c       Campaign
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &created, &c.Samples); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	return out, nil
}

// RecordRun persists a run against rec.Campaign and returns its row id.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) (int64, error) {
	id, err := campaignID(ctx, s.db, rec.Campaign)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(rec.Model)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal model: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (campaign_id, run_id, model, residual, bins, threshold, margin, max_power, infeasible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rec.RunID, string(data), rec.Residual, rec.Bins, rec.Threshold, rec.Margin, rec.MaxPower,
		rec.Infeasible, created.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return res.LastInsertId()
}

// ListRuns returns a campaign's runs, oldest first.
func (s *Store) ListRuns(ctx context.Context, campaign string) ([]RunRecord, error) {
	id, err := campaignID(ctx, s.db, campaign)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, model, residual, bins, threshold, margin, max_power, infeasible, created_at
		FROM runs WHERE campaign_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec     RunRecord
			data    string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &data, &rec.Residual, &rec.Bins, &rec.Threshold,
			&rec.Margin, &rec.MaxPower, &rec.Infeasible, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Model); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model: %w", err)
		}
		rec.Campaign = campaign
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func campaignID(ctx context.Context, q queryer, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM campaigns WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrCampaignNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up campaign: %w", err)
	}
	return id, nil
}
