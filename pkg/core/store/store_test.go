package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_reconciler/pkg/core/reconcile"
	"portfolio_reconciler/pkg/core/validate"
)

// fakeRow scans fixed values into pointers of matching type.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	row      fakeRow
	queries  []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	return f.row
}

func sampleResult() *reconcile.Result {
	ratio := 0.99
	return &reconcile.Result{
		Securities: []reconcile.Security{{
			Identifier: "CH0038863350",
			Name:       "Nestle SA",
			Value:      decimal.RequireFromString("750000"),
			Currency:   "CHF",
			Confidence: 0.9,
			Method:     reconcile.MethodSingleSource,
		}},
		Accuracy: validate.AccuracyReport{ExtractedTotal: decimal.RequireFromString("750000"), AccuracyRatio: &ratio},
	}
}

func TestRunRepo_Save(t *testing.T) {
	db := &fakeDB{}
	repo := NewRunRepo(db)
	fixed := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	run := &RunRecord{DocumentID: "doc-1", Result: sampleResult()}
	require.NoError(t, repo.Save(context.Background(), run))

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, fixed, run.CreatedAt)
	assert.Equal(t, fixed, run.UpdatedAt)

	require.Len(t, db.execArgs, 1)
	args := db.execArgs[0]
	assert.Equal(t, run.ID, args[0])
	assert.Equal(t, "doc-1", args[1])
	assert.Equal(t, 0.99, *args[2].(*float64))
	assert.Equal(t, 1, args[3])
	assert.Equal(t, 0, args[4])

	var decoded reconcile.Result
	require.NoError(t, json.Unmarshal(args[5].([]byte), &decoded))
	require.Len(t, decoded.Securities, 1)
	assert.Equal(t, "single_source", string(decoded.Securities[0].Method))
}

func TestRunRepo_SaveErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	repo := NewRunRepo(db)

	err := repo.Save(context.Background(), &RunRecord{DocumentID: "doc", Result: sampleResult()})
	assert.ErrorContains(t, err, "connection refused")

	assert.Error(t, repo.Save(context.Background(), &RunRecord{DocumentID: "doc"}))
	assert.Error(t, NewRunRepo(nil).Save(context.Background(), &RunRecord{Result: sampleResult()}))
}

func TestRunRepo_Load(t *testing.T) {
	id := uuid.New()
	payload, err := json.Marshal(sampleResult())
	require.NoError(t, err)
	ts := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

	db := &fakeDB{row: fakeRow{values: []any{id, "doc-1", payload, ts, ts}}}
	repo := NewRunRepo(db)

	run, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "doc-1", run.DocumentID)
	require.Len(t, run.Result.Securities, 1)
	assert.True(t, decimal.RequireFromString("750000").Equal(run.Result.Securities[0].Value))

	run, err = repo.LatestForDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Contains(t, db.queries[1], "ORDER BY created_at DESC")
}

func TestRunRepo_NotFound(t *testing.T) {
	repo := NewRunRepo(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	_, err := repo.Load(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, Migrate(context.Background(), db))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "reconciliation_runs")
	assert.Contains(t, db.execSQL[0], "extraction_replies")
}

func TestReplyCache_File(t *testing.T) {
	c := NewReplyCache(nil, t.TempDir())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "abc/../x", "gemini", `{"securities":[]}`))
	reply, ok, err := c.Get(ctx, "abc/../x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"securities":[]}`, reply)
}

func TestReplyCache_DB(t *testing.T) {
	ctx := context.Background()

	db := &fakeDB{row: fakeRow{values: []any{"cached"}}}
	c := NewReplyCache(db, "")
	reply, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cached", reply)

	require.NoError(t, c.Put(ctx, "k", "qwen", "r"))
	assert.Equal(t, []any{"k", "qwen", "r"}, db.execArgs[0])

	miss := NewReplyCache(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}}, "")
	_, ok, err = miss.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	broken := NewReplyCache(&fakeDB{row: fakeRow{err: errors.New("timeout")}}, "")
	_, _, err = broken.Get(ctx, "k")
	assert.Error(t, err)
}

func TestReplyCache_NoBackend(t *testing.T) {
	c := NewReplyCache(nil, "")
	require.NoError(t, c.Put(context.Background(), "k", "p", "r"))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
