package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xyonrad/sda-go/internal/store"
)

// Timestamps are stored as Unix nanoseconds, matching the rest of the
// schema. NULL expires_at means the grant does not expire.

const recordColumns = `id, login, access_token, refresh_token, token_type, scope,
	expires_in_s, issued_at, expires_at, is_revoked, created_at, updated_at`

// insertRecord persists a new grant and fills in its database ID.
func insertRecord(ctx context.Context, q store.Querier, rec *Record) error {
	var expiresAt sql.NullInt64
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: rec.ExpiresAt.UnixNano(), Valid: true}
	}

	result, err := q.ExecContext(ctx,
		`INSERT INTO token_grants
			(login, access_token, refresh_token, token_type, scope,
			 expires_in_s, issued_at, expires_at, is_revoked, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Login, rec.AccessToken, nullString(rec.RefreshToken),
		nullString(rec.TokenType), nullString(rec.Scope),
		nullInt64(rec.ExpiresInS), rec.IssuedAt.UnixNano(), expiresAt,
		rec.IsRevoked, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("tokens: inserting grant for %s: %w", rec.Login, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("tokens: grant insert ID: %w", err)
	}

	rec.ID = id

	return nil
}

// latestRecord returns the most recently issued non-revoked grant for a
// login, or nil when none exists. Expiry is not considered here — the
// caller decides what to do with an expired current record.
func latestRecord(ctx context.Context, q store.Querier, login string) (*Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM token_grants
		 WHERE login = ? AND is_revoked = 0
		 ORDER BY issued_at DESC, id DESC LIMIT 1`, login)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokens: loading latest grant for %s: %w", login, err)
	}

	return rec, nil
}

// recordByID returns a grant by primary key, or nil when absent.
func recordByID(ctx context.Context, q store.Querier, id int64) (*Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM token_grants WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokens: loading grant %d: %w", id, err)
	}

	return rec, nil
}

// listRecords returns grants ordered newest first, optionally filtered
// by login (empty login means all).
func listRecords(ctx context.Context, q store.Querier, login string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM token_grants`
	args := []any{}

	if login != "" {
		query += ` WHERE login = ?`
		args = append(args, login)
	}

	query += ` ORDER BY issued_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tokens: listing grants: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("tokens: scanning grant row: %w", scanErr)
		}

		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tokens: iterating grant rows: %w", err)
	}

	return records, nil
}

// markRevoked flips is_revoked on one grant. Returns false when the row
// does not exist or is already revoked (idempotent no-op).
func markRevoked(ctx context.Context, q store.Querier, id int64, now time.Time) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE token_grants SET is_revoked = 1, updated_at = ?
		 WHERE id = ? AND is_revoked = 0`, now.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("tokens: revoking grant %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tokens: revoke %d rows affected: %w", id, err)
	}

	return rows > 0, nil
}

// revokeAllForLogin flips is_revoked on every live grant for a login.
// Returns the number of grants revoked.
func revokeAllForLogin(ctx context.Context, q store.Querier, login string, now time.Time) (int, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE token_grants SET is_revoked = 1, updated_at = ?
		 WHERE login = ? AND is_revoked = 0`, now.UnixNano(), login)
	if err != nil {
		return 0, fmt.Errorf("tokens: revoking grants for %s: %w", login, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tokens: revoke for %s rows affected: %w", login, err)
	}

	return int(rows), nil
}

// deleteByID removes a grant row. Returns false when the row was absent.
func deleteByID(ctx context.Context, q store.Querier, id int64) (bool, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM token_grants WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("tokens: deleting grant %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tokens: delete %d rows affected: %w", id, err)
	}

	return rows > 0, nil
}

// purgeExpired deletes every grant that is revoked or whose expiry has
// passed. Returns the number of rows removed.
func purgeExpired(ctx context.Context, q store.Querier, now time.Time) (int, error) {
	result, err := q.ExecContext(ctx,
		`DELETE FROM token_grants
		 WHERE is_revoked = 1 OR (expires_at IS NOT NULL AND expires_at <= ?)`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("tokens: purging grants: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tokens: purge rows affected: %w", err)
	}

	return int(rows), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one grant row.
func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                            Record
		refreshToken, tokenType, scope sql.NullString
		expiresInS, expiresAt          sql.NullInt64
		issuedAt, createdAt, updatedAt int64
	)

	err := row.Scan(&rec.ID, &rec.Login, &rec.AccessToken, &refreshToken,
		&tokenType, &scope, &expiresInS, &issuedAt, &expiresAt,
		&rec.IsRevoked, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.RefreshToken = refreshToken.String
	rec.TokenType = tokenType.String
	rec.Scope = scope.String
	rec.ExpiresInS = expiresInS.Int64
	rec.IssuedAt = time.Unix(0, issuedAt).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		rec.ExpiresAt = &t
	}

	return &rec, nil
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 maps 0 to NULL.
func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
