package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xyonrad/sda-go/internal/store"
)

// Manager owns the token lifecycle. It persists grant records through
// the unit-of-work manager and asks the identity client for new grants
// when the cached one is missing, expired, revoked, or rejected by the
// remote probe.
//
// Two concurrent EnsureValid calls for the same login may both issue —
// that race is tolerated: over-issuance is harmless and the most recent
// record becomes current.
type Manager struct {
	uow      *store.Manager
	identity IdentityClient
	logger   *slog.Logger

	// now is the clock; tests override it to drive expiry.
	now func() time.Time
}

// NewManager creates a token lifecycle manager.
func NewManager(uow *store.Manager, identity IdentityClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		uow:      uow,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// Issue requests a new grant from the identity endpoint and persists it.
// Any live prior grant for the login is revoked in the same transaction,
// so a refresh is observationally a new record plus a revoke of the old.
func (m *Manager) Issue(ctx context.Context, login, secret, otp string) (*Record, error) {
	if login == "" {
		return nil, fmt.Errorf("tokens: issue: login is required")
	}

	if secret == "" {
		return nil, fmt.Errorf("tokens: issue: secret is required")
	}

	grant, err := m.identity.IssueGrant(ctx, login, secret, otp)
	if err != nil {
		return nil, err
	}

	issuedAt := m.now().UTC()

	rec := &Record{
		Login:        login,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		Scope:        grant.Scope,
		ExpiresInS:   grant.ExpiresInS,
		IssuedAt:     issuedAt,
		ExpiresAt:    computeExpiresAt(issuedAt, grant.ExpiresInS),
		CreatedAt:    issuedAt,
		UpdatedAt:    issuedAt,
	}

	err = m.uow.RunScoped(ctx, func(ctx context.Context) error {
		h, _ := store.FromContext(ctx)

		prior, priorErr := latestRecord(ctx, h, login)
		if priorErr != nil {
			return priorErr
		}

		if prior != nil {
			if _, revErr := markRevoked(ctx, h, prior.ID, issuedAt); revErr != nil {
				return revErr
			}

			m.logger.Debug("superseded prior grant",
				slog.String("login", login),
				slog.Int64("prior_id", prior.ID),
			)
		}

		return insertRecord(ctx, h, rec)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("token issued",
		slog.String("login", login),
		slog.Int64("id", rec.ID),
	)

	return rec, nil
}

// Current returns the most recently issued non-revoked grant for a
// login, regardless of expiry. Nil when none exists — callers check
// validity separately or use EnsureValid.
func (m *Manager) Current(ctx context.Context, login string) (*Record, error) {
	if login == "" {
		return nil, fmt.Errorf("tokens: current: login is required")
	}

	return latestRecord(ctx, m.uow.DB(), login)
}

// ByID returns a grant by primary key, or nil when absent.
func (m *Manager) ByID(ctx context.Context, id int64) (*Record, error) {
	return recordByID(ctx, m.uow.DB(), id)
}

// List returns grants newest first, optionally filtered by login.
func (m *Manager) List(ctx context.Context, login string) ([]Record, error) {
	return listRecords(ctx, m.uow.DB(), login)
}

// IsExpired reports whether a grant is unusable: revoked, or at or past
// its expiry instant. A nil ExpiresAt never expires by time.
func (m *Manager) IsExpired(rec *Record) bool {
	if rec.IsRevoked {
		return true
	}

	if rec.ExpiresAt == nil {
		return false
	}

	return !m.now().Before(*rec.ExpiresAt)
}

// EnsureValid returns a usable grant for the login, issuing a new one
// only when needed. The check is three-tier: local expiry first, then an
// optional remote probe, then reuse. Only a definitive probe rejection
// forces a reissue — transport trouble during the probe is inconclusive
// and the cached grant is reused.
func (m *Manager) EnsureValid(ctx context.Context, login, secret, otp string, validateRemote bool) (*Record, error) {
	rec, err := m.Current(ctx, login)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		m.logger.Debug("no cached grant, issuing", slog.String("login", login))
		return m.Issue(ctx, login, secret, otp)
	}

	if m.IsExpired(rec) {
		m.logger.Debug("cached grant expired, issuing",
			slog.String("login", login),
			slog.Int64("id", rec.ID),
		)

		return m.Issue(ctx, login, secret, otp)
	}

	if validateRemote && m.identity.Probe(ctx, rec.AccessToken) == ProbeRejected {
		m.logger.Info("cached grant rejected by probe, issuing",
			slog.String("login", login),
			slog.Int64("id", rec.ID),
		)

		return m.Issue(ctx, login, secret, otp)
	}

	return rec, nil
}

// Revoke revokes every live grant for a login. Returns the number of
// grants revoked; revoking an already-revoked grant is a no-op success.
func (m *Manager) Revoke(ctx context.Context, login string) (int, error) {
	if login == "" {
		return 0, fmt.Errorf("tokens: revoke: login is required")
	}

	var count int

	err := m.uow.RunScoped(ctx, func(ctx context.Context) error {
		h, _ := store.FromContext(ctx)

		var err error
		count, err = revokeAllForLogin(ctx, h, login, m.now().UTC())

		return err
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		m.logger.Info("tokens revoked",
			slog.String("login", login),
			slog.Int("count", count),
		)
	}

	return count, nil
}

// RevokeByID revokes a single grant. Idempotent: revoking an absent or
// already-revoked grant succeeds without effect.
func (m *Manager) RevokeByID(ctx context.Context, id int64) error {
	return m.uow.RunScoped(ctx, func(ctx context.Context) error {
		h, _ := store.FromContext(ctx)

		changed, err := markRevoked(ctx, h, id, m.now().UTC())
		if err != nil {
			return err
		}

		if changed {
			m.logger.Info("token revoked", slog.Int64("id", id))
		}

		return nil
	})
}

// Delete removes a single grant row outright. Returns false when the
// row was already absent.
func (m *Manager) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool

	err := m.uow.RunScoped(ctx, func(ctx context.Context) error {
		h, _ := store.FromContext(ctx)

		var err error
		deleted, err = deleteByID(ctx, h, id)

		return err
	})

	return deleted, err
}

// PurgeExpired deletes every grant that is revoked or whose expiry has
// passed, returning the number removed. Running it again with nothing
// eligible returns 0.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	var count int

	err := m.uow.RunScoped(ctx, func(ctx context.Context) error {
		h, _ := store.FromContext(ctx)

		var err error
		count, err = purgeExpired(ctx, h, m.now().UTC())

		return err
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		m.logger.Info("purged grants", slog.Int("count", count))
	}

	return count, nil
}

// computeExpiresAt derives the expiry instant from the server-reported
// TTL. Nil when the server reported none.
func computeExpiresAt(issuedAt time.Time, expiresInS int64) *time.Time {
	if expiresInS <= 0 {
		return nil
	}

	t := issuedAt.Add(time.Duration(expiresInS) * time.Second)

	return &t
}
