package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clause-crawler/internal/repository"
)

func testRecord(id string) *repository.Record {
	return &repository.Record{
		ID: id,
		Content: repository.Content{
			Type:        "testament",
			Title:       "Testament olographe",
			Description: "Écrit de la main du testateur.",
			Conditions:  []string{"Écriture manuscrite"},
			Exceptions:  []string{},
			References:  []string{},
			Keywords:    []string{"testament"},
		},
	}
}

func newMockStore(t *testing.T) (*ClauseStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewClauseStoreWithPool(mock, "")
	require.NoError(t, err)
	fixed := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return fixed }
	return store, mock
}

func TestUpsertClauseWritesJSONB(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := testRecord("testament_testament_olographe")

	mock.ExpectExec("INSERT INTO clauses").
		WithArgs(rec.ID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), time.Unix(1700000000, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertClause(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertClauseRequiresID(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	require.Error(t, store.UpsertClause(context.Background(), &repository.Record{}))
	require.Error(t, store.UpsertClause(context.Background(), nil))
}

func TestUpsertClausePropagatesExecError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO clauses").WillReturnError(errors.New("connection refused"))
	err := store.UpsertClause(context.Background(), testRecord("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert clause")
}

func TestDeleteClause(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM clauses").
		WithArgs("testament_legs").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.DeleteClause(context.Background(), "testament_legs"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS clauses").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO clauses").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO clauses").WillReturnError(errors.New("boom"))

	n, err := store.Sync(context.Background(), []*repository.Record{testRecord("a"), testRecord("b"), testRecord("c")})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewClauseStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewClauseStoreWithPool(mock, "clauses; DROP TABLE x")
	require.Error(t, err)
	_, err = NewClauseStoreWithPool(nil, "clauses")
	require.Error(t, err)
}

func TestNewClauseStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewClauseStore(context.Background(), Config{})
	require.Error(t, err)
}
