package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"portfolio_reconciler/pkg/core/reconcile"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunRecord is a persisted reconciliation run.
type RunRecord struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID string            `json:"document_id"`
	Result     *reconcile.Result `json:"result"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RunRepository stores reconciliation runs.
type RunRepository interface {
	Save(ctx context.Context, run *RunRecord) error
	Load(ctx context.Context, id uuid.UUID) (*RunRecord, error)
	LatestForDocument(ctx context.Context, documentID string) (*RunRecord, error)
}

// RunRepo is the PostgreSQL RunRepository.
type RunRepo struct {
	db  Querier
	now func() time.Time
}

var _ RunRepository = (*RunRepo)(nil)

// NewRunRepo creates a repository on db, usually the pool from GetPool.
func NewRunRepo(db Querier) *RunRepo {
	return &RunRepo{db: db, now: time.Now}
}

// Save upserts run. A zero ID is replaced by a new random one.
func (r *RunRepo) Save(ctx context.Context, run *RunRecord) error {
	if r.db == nil {
		return fmt.Errorf("database pool not initialized")
	}
	if run.Result == nil {
		return fmt.Errorf("run %s has no result", run.ID)
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := r.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	jsonData, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		INSERT INTO reconciliation_runs (id, document_id, accuracy_ratio, securities, diagnostics, result_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			accuracy_ratio = EXCLUDED.accuracy_ratio,
			securities = EXCLUDED.securities,
			diagnostics = EXCLUDED.diagnostics,
			result_json = EXCLUDED.result_json,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = r.db.Exec(ctx, query,
		run.ID, run.DocumentID, run.Result.Accuracy.AccuracyRatio,
		len(run.Result.Securities), len(run.Result.Diagnostics),
		jsonData, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Load retrieves a run by id.
func (r *RunRepo) Load(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	query := `SELECT id, document_id, result_json, created_at, updated_at FROM reconciliation_runs WHERE id = $1`
	return r.scan(r.db.QueryRow(ctx, query, id), id.String())
}

// LatestForDocument retrieves the most recent run of a document.
func (r *RunRepo) LatestForDocument(ctx context.Context, documentID string) (*RunRecord, error) {
	query := `
		SELECT id, document_id, result_json, created_at, updated_at
		FROM reconciliation_runs
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scan(r.db.QueryRow(ctx, query, documentID), documentID)
}

func (r *RunRepo) scan(row pgx.Row, key string) (*RunRecord, error) {
	var (
		run      RunRecord
		jsonData []byte
	)
	err := row.Scan(&run.ID, &run.DocumentID, &jsonData, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", key, err)
	}

	run.Result = &reconcile.Result{}
	if err := json.Unmarshal(jsonData, run.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", key, err)
	}
	return &run, nil
}
