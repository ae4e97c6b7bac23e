package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore opens a fresh database under t.TempDir().
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

// countGrants returns the number of rows in token_grants, read outside
// any transaction scope.
func countGrants(t *testing.T, m *Manager) int {
	t.Helper()

	var count int
	err := m.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM token_grants`).Scan(&count)
	require.NoError(t, err)

	return count
}

// insertGrant writes a minimal row through the handle bound to ctx.
func insertGrant(ctx context.Context, t *testing.T, login string) {
	t.Helper()

	h, ok := FromContext(ctx)
	require.True(t, ok, "no handle bound to context")

	_, err := h.ExecContext(ctx,
		`INSERT INTO token_grants
			(login, access_token, issued_at, is_revoked, created_at, updated_at)
			VALUES (?, 'tok', 0, 0, 0, 0)`, login)
	require.NoError(t, err)
}

func TestOpen_StoreUnavailable(t *testing.T) {
	// A directory is not a valid database file.
	_, err := Open(context.Background(), t.TempDir(), slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRunScoped_CommitsOnSuccess(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	err := m.RunScoped(context.Background(), func(ctx context.Context) error {
		insertGrant(ctx, t, "alice")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, countGrants(t, m))
}

func TestRunScoped_RollsBackOnError(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	sentinel := errors.New("body failed")

	err := m.RunScoped(context.Background(), func(ctx context.Context) error {
		insertGrant(ctx, t, "alice")
		return sentinel
	})

	// The original error comes back unmodified.
	assert.Equal(t, sentinel, err)

	// And the store is unchanged.
	assert.Equal(t, 0, countGrants(t, m))

	// No handle leaks into the caller's context.
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestRunScoped_NestedReusesOuterHandle(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	var outer, inner *Handle

	err := m.RunScoped(context.Background(), func(ctx context.Context) error {
		outer, _ = FromContext(ctx)

		return m.RunScoped(ctx, func(ctx context.Context) error {
			inner, _ = FromContext(ctx)
			insertGrant(ctx, t, "nested")

			return nil
		})
	})
	require.NoError(t, err)

	assert.Same(t, outer, inner)
	assert.Equal(t, 1, countGrants(t, m))
}

func TestRunScoped_NestedCommitOwnedByOutermost(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	sentinel := errors.New("outer failed after nested scope")

	err := m.RunScoped(context.Background(), func(ctx context.Context) error {
		// The nested scope completes normally. If it owned a commit,
		// its insert would survive the outer rollback.
		nestedErr := m.RunScoped(ctx, func(ctx context.Context) error {
			insertGrant(ctx, t, "nested")
			return nil
		})
		require.NoError(t, nestedErr)

		return sentinel
	})

	assert.Equal(t, sentinel, err)
	assert.Equal(t, 0, countGrants(t, m), "nested scope must not commit on its own")
}

func TestAcquire_CreatesAndReuses(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	h1, ctx, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// A second acquire on the scoped context returns the same handle.
	h2, ctx2, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, ctx, ctx2)

	require.NoError(t, h1.Close())
}

func TestAcquire_CommitThroughManager(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	_, ctx, err := m.Acquire(context.Background())
	require.NoError(t, err)

	insertGrant(ctx, t, "alice")

	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Close(ctx))

	assert.Equal(t, 1, countGrants(t, m))
}

func TestManager_NoHandleBound(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	assert.ErrorIs(t, m.Commit(context.Background()), ErrNoHandle)
	assert.ErrorIs(t, m.Rollback(context.Background()), ErrNoHandle)
	assert.NoError(t, m.Close(context.Background()))
}

func TestHandle_CloseIdempotent(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	h, ctx, err := m.Acquire(context.Background())
	require.NoError(t, err)

	insertGrant(ctx, t, "alice")

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	// Close without a commit discards the transaction.
	assert.Equal(t, 0, countGrants(t, m))
}

func TestHandle_RollbackAfterCommitIsNoOp(t *testing.T) {
	m := NewManager(openTestStore(t), slog.Default())

	h, ctx, err := m.Acquire(context.Background())
	require.NoError(t, err)

	insertGrant(ctx, t, "alice")

	require.NoError(t, h.Commit())
	require.NoError(t, h.Rollback())
	require.NoError(t, h.Close())

	assert.Equal(t, 1, countGrants(t, m))
}
