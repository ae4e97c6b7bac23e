package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoHandle is returned by Manager.Commit/Rollback/Close when the
// context has no bound handle.
var ErrNoHandle = errors.New("store: no handle bound to context")

// handleKey is the context key under which the live Handle is bound.
type handleKey struct{}

// Handle is one logical transaction against the backing store. It is
// exclusively owned by the context chain that created it and must never
// be shared across goroutines. Exactly zero or one live handle exists
// per context at a time.
type Handle struct {
	tx *sql.Tx

	// done is set once the transaction has been committed or rolled back.
	// Owned by a single goroutine per the ownership contract, so no lock.
	done bool
}

// ExecContext runs a statement inside the transaction.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction. The handle is finished afterward even
// if the commit fails; the failure propagates to the caller.
func (h *Handle) Commit() error {
	if h.done {
		return nil
	}

	h.done = true

	if err := h.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	return nil
}

// Rollback discards the transaction. No-op once the handle is finished.
func (h *Handle) Rollback() error {
	if h.done {
		return nil
	}

	h.done = true

	if err := h.tx.Rollback(); err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}

	return nil
}

// Close releases the handle. A still-live transaction is rolled back.
// Idempotent: repeated calls after the first have no effect.
func (h *Handle) Close() error {
	if h.done {
		return nil
	}

	return h.Rollback()
}

// Manager creates and scopes unit-of-work handles. The live handle rides
// on the context (the Go rendition of the source system's task-local
// session binding), so nested scopes see and reuse the outer handle.
type Manager struct {
	store  *Store
	logger *slog.Logger
}

// NewManager creates a unit-of-work manager over the given store.
func NewManager(s *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{store: s, logger: logger}
}

// FromContext returns the handle bound to ctx, if any.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok
}

// Acquire returns the handle bound to ctx, beginning and binding a new
// transaction if none exists. The returned context carries the handle
// and must be used for all store access within the scope. Fails with
// ErrStoreUnavailable when a transaction cannot be started.
func (m *Manager) Acquire(ctx context.Context) (*Handle, context.Context, error) {
	if h, ok := FromContext(ctx); ok {
		return h, ctx, nil
	}

	h, err := m.begin(ctx)
	if err != nil {
		return nil, nil, err
	}

	return h, context.WithValue(ctx, handleKey{}, h), nil
}

// RunScoped executes fn with a bound handle. On normal completion the
// transaction commits; on error it rolls back and the original error is
// returned unmodified. The handle is closed and unbound in all cases.
//
// Entering RunScoped while a handle is already bound flattens the scope:
// fn runs against the outer handle and only the outermost scope owns
// commit, rollback, and close.
func (m *Manager) RunScoped(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := FromContext(ctx); ok {
		m.logger.Debug("nested scope flattened onto outer handle")
		return fn(ctx)
	}

	h, err := m.begin(ctx)
	if err != nil {
		return err
	}

	// Unbinding is implicit: the derived context never escapes this call.
	scoped := context.WithValue(ctx, handleKey{}, h)

	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			m.logger.Warn("closing scope handle", slog.String("error", closeErr.Error()))
		}
	}()

	if err := fn(scoped); err != nil {
		if rbErr := h.Rollback(); rbErr != nil {
			m.logger.Warn("rolling back scope", slog.String("error", rbErr.Error()))
		}

		return err
	}

	return h.Commit()
}

// Commit commits the handle bound to ctx. ErrNoHandle when none is bound.
func (m *Manager) Commit(ctx context.Context) error {
	h, ok := FromContext(ctx)
	if !ok {
		return ErrNoHandle
	}

	return h.Commit()
}

// Rollback rolls back the handle bound to ctx. ErrNoHandle when none is bound.
func (m *Manager) Rollback(ctx context.Context) error {
	h, ok := FromContext(ctx)
	if !ok {
		return ErrNoHandle
	}

	return h.Rollback()
}

// Close closes the handle bound to ctx. Nil when none is bound, matching
// the idempotency contract.
func (m *Manager) Close(ctx context.Context) error {
	h, ok := FromContext(ctx)
	if !ok {
		return nil
	}

	return h.Close()
}

// DB exposes the raw connection for read paths that deliberately run
// outside any transaction scope. Mutations must go through a Handle.
func (m *Manager) DB() Querier {
	return m.store.db
}

// begin starts a new transaction handle.
func (m *Manager) begin(ctx context.Context) (*Handle, error) {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: beginning transaction: %w: %w", ErrStoreUnavailable, err)
	}

	return &Handle{tx: tx}, nil
}
