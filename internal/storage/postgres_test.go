package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockScope(t *testing.T) (*PostgresScope, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	scope, err := NewPostgresScope(context.Background(), mockPool, "worker", zap.NewNop())
	require.NoError(t, err)
	return scope, mockPool
}

func TestNewPostgresScope(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresScope(context.Background(), mockPool, "worker", zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresScopeGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the stored value", func(t *testing.T) {
		scope, mockPool := newMockScope(t)
		mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM worker_kv`)).
			WithArgs("worker", "auth::session").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(`{"uid":"u"}`))

		v, ok, err := scope.Get(ctx, "auth::session")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"uid":"u"}`, v)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("a missing key is not an error", func(t *testing.T) {
		scope, mockPool := newMockScope(t)
		mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM worker_kv`)).
			WithArgs("worker", "nope").
			WillReturnError(pgx.ErrNoRows)

		_, ok, err := scope.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("query failures propagate", func(t *testing.T) {
		scope, mockPool := newMockScope(t)
		mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM worker_kv`)).
			WithArgs("worker", "k").
			WillReturnError(errors.New("connection reset"))

		_, _, err := scope.Get(ctx, "k")
		assert.Error(t, err)
	})
}

func TestPostgresScopeSet(t *testing.T) {
	scope, mockPool := newMockScope(t)
	mockPool.ExpectExec(regexp.QuoteMeta(`INSERT INTO worker_kv`)).
		WithArgs("worker", "k", "v").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, scope.Set(context.Background(), "k", "v"))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresScopeDeleteAndClear(t *testing.T) {
	scope, mockPool := newMockScope(t)

	mockPool.ExpectExec(regexp.QuoteMeta(`DELETE FROM worker_kv WHERE partition = $1 AND key = $2`)).
		WithArgs("worker", "k").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, scope.Delete(context.Background(), "k"))

	mockPool.ExpectExec(regexp.QuoteMeta(`DELETE FROM worker_kv WHERE partition = $1;`)).
		WithArgs("worker").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	require.NoError(t, scope.Clear(context.Background()))

	assert.NoError(t, mockPool.ExpectationsWereMet())
}
