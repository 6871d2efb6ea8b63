package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"eventforms/api/internal/forms"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const formColumns = `id, title, icon, color, owner_id, rating, submission_count, created_at, last_updated`

func scanForm(row rowScanner) (forms.Form, error) {
	var f forms.Form
	var icon, color string
	err := row.Scan(&f.ID, &f.Title, &icon, &color, &f.OwnerID, &f.Rating, &f.SubmissionCount, &f.CreatedAt, &f.LastUpdated)
	f.Icon = forms.Icon(icon)
	f.Color = forms.Color(color)
	return f, err
}

// ListForms returns the whole collection in store order (oldest first).
func (s *PostgresStore) ListForms(ctx context.Context) ([]forms.Form, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	items := []forms.Form{}
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetForm(ctx context.Context, id string) (forms.Form, error) {
	return scanForm(s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id=$1`, id))
}

// InsertForm stores item with server-side timestamps and a zero counter.
func (s *PostgresStore) InsertForm(ctx context.Context, item forms.Form) (forms.Form, error) {
	created, err := scanForm(s.db.QueryRowContext(ctx, `
		INSERT INTO forms (id, title, icon, color, owner_id, rating)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+formColumns,
		item.ID, item.Title, string(item.Icon), string(item.Color), item.OwnerID, item.Rating))
	if err != nil {
		return forms.Form{}, fmt.Errorf("insert form: %w", mapPgError(err))
	}
	return created, nil
}

// UpdateForm applies the non-nil fields of patch and re-stamps last_updated.
func (s *PostgresStore) UpdateForm(ctx context.Context, id string, patch forms.Patch) (forms.Form, error) {
	var icon, color *string
	if patch.Icon != nil {
		v := string(*patch.Icon)
		icon = &v
	}
	if patch.Color != nil {
		v := string(*patch.Color)
		color = &v
	}
	updated, err := scanForm(s.db.QueryRowContext(ctx, `
		UPDATE forms
		SET title=COALESCE($2, title),
			icon=COALESCE($3, icon),
			color=COALESCE($4, color),
			last_updated=NOW()
		WHERE id=$1
		RETURNING `+formColumns,
		id, patch.Title, icon, color))
	if err != nil {
		return forms.Form{}, err
	}
	return updated, nil
}

// DeleteForm removes the form only; its registrations stay.
func (s *PostgresStore) DeleteForm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	return expectOneRow(res)
}

func (s *PostgresStore) IncrementSubmissions(ctx context.Context, id string) error {
	return incrementSubmissions(ctx, s.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementSubmissions(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE forms SET submission_count=submission_count+1, last_updated=NOW()
		WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("increment submissions: %w", err)
	}
	return expectOneRow(res)
}

// UpsertForms writes seed documents, keeping their ids and counters.
func (s *PostgresStore) UpsertForms(ctx context.Context, items []forms.Form) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, item := range items {
		created, updated := item.CreatedAt, item.LastUpdated
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = created
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO forms (id, title, icon, color, owner_id, rating, submission_count, created_at, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				title=EXCLUDED.title,
				icon=EXCLUDED.icon,
				color=EXCLUDED.color,
				owner_id=EXCLUDED.owner_id,
				rating=EXCLUDED.rating,
				submission_count=EXCLUDED.submission_count,
				last_updated=EXCLUDED.last_updated
		`, item.ID, item.Title, string(item.Icon), string(item.Color), item.OwnerID, item.Rating, item.SubmissionCount, created, updated); err != nil {
			return 0, fmt.Errorf("upsert form %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed tx: %w", err)
	}
	return len(items), nil
}

const registrationColumns = `id, form_id, name, email, submitted_at`

func scanRegistration(row rowScanner) (forms.Registration, error) {
	var r forms.Registration
	err := row.Scan(&r.ID, &r.FormID, &r.Name, &r.Email, &r.SubmittedAt)
	return r, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertRegistration(ctx context.Context, db queryRower, reg forms.Registration) (forms.Registration, error) {
	created, err := scanRegistration(db.QueryRowContext(ctx, `
		INSERT INTO registrations (id, form_id, name, email)
		VALUES ($1, $2, $3, $4)
		RETURNING `+registrationColumns,
		reg.ID, reg.FormID, reg.Name, reg.Email))
	if err != nil {
		return forms.Registration{}, fmt.Errorf("insert registration: %w", mapPgError(err))
	}
	return created, nil
}

func (s *PostgresStore) InsertRegistration(ctx context.Context, reg forms.Registration) (forms.Registration, error) {
	return insertRegistration(ctx, s.db, reg)
}

// SubmitRegistration bumps the form counter and stores reg atomically. A
// missing form yields sql.ErrNoRows and nothing is written.
func (s *PostgresStore) SubmitRegistration(ctx context.Context, reg forms.Registration) (forms.Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return forms.Registration{}, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := incrementSubmissions(ctx, tx, reg.FormID); err != nil {
		return forms.Registration{}, err
	}
	created, err := insertRegistration(ctx, tx, reg)
	if err != nil {
		return forms.Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return forms.Registration{}, fmt.Errorf("commit submit tx: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListRegistrations(ctx context.Context) ([]forms.Registration, error) {
	return s.listRegistrations(ctx, `SELECT `+registrationColumns+` FROM registrations ORDER BY submitted_at ASC, id ASC`)
}

func (s *PostgresStore) ListFormRegistrations(ctx context.Context, formID string) ([]forms.Registration, error) {
	return s.listRegistrations(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE form_id=$1 ORDER BY submitted_at ASC, id ASC`, formID)
}

func (s *PostgresStore) listRegistrations(ctx context.Context, query string, args ...any) ([]forms.Registration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	items := []forms.Registration{}
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", mapPgError(err))
	}
	return nil
}

const userColumns = `id, email, display_name, password_hash, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOneRow(res)
}

func (s *PostgresStore) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name=$2, updated_at=NOW() WHERE id=$1`, userID, displayName)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return expectOneRow(res)
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// GetPasswordReset returns the user of an unused, unexpired reset token.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	return userID, err
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every live refresh session of userID.
func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.password_hash, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
