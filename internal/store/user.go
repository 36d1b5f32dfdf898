package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hearing-system/apiserver/types"
)

// UserRepository handles persistence for user records keyed by email.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Get(ctx context.Context, email string) (types.UserRecord, error) {
	const query = `
		SELECT email, role, auth_type, password_hash, display_name, avatar_url, created_at, last_login_at,
			active, preferences, total_consultations, resolved_count, last_consultation_at
		FROM users
		WHERE email = $1`
	var (
		user            types.UserRecord
		passwordHash    sql.NullString
		avatarURL       sql.NullString
		preferencesJSON []byte
		lastConsulted   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&user.Email,
		&user.Role,
		&user.AuthType,
		&passwordHash,
		&user.DisplayName,
		&avatarURL,
		&user.CreatedAt,
		&user.LastLoginAt,
		&user.Active,
		&preferencesJSON,
		&user.Stats.TotalConsultations,
		&user.Stats.ResolvedCount,
		&lastConsulted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.UserRecord{}, ErrNotFound
		}
		return types.UserRecord{}, err
	}

	user.PasswordHash = passwordHash.String
	user.AvatarURL = avatarURL.String
	user.Preferences = decodePreferences(user.Email, preferencesJSON)
	if lastConsulted.Valid {
		at := lastConsulted.Time
		user.Stats.LastConsultationAt = &at
	}
	return user, nil
}

// decodePreferences falls back to the defaults when the stored document is
// empty or unreadable; a corrupt document is logged rather than failing login.
func decodePreferences(email string, data []byte) types.Preferences {
	preferences := types.DefaultPreferences()
	if len(data) == 0 {
		return preferences
	}
	if err := json.Unmarshal(data, &preferences); err != nil {
		log.Printf("store: ignoring unreadable preferences of %s: %v", email, err)
		return types.DefaultPreferences()
	}
	return preferences
}

// Create inserts a new record; an existing email yields ErrAlreadyExists.
func (r *UserRepository) Create(ctx context.Context, user types.UserRecord) error {
	preferencesJSON, err := json.Marshal(user.Preferences)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO users (email, role, auth_type, password_hash, display_name, avatar_url, created_at,
			last_login_at, active, preferences, total_consultations, resolved_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.db.ExecContext(
		ctx,
		query,
		user.Email,
		user.Role,
		user.AuthType,
		nullString(user.PasswordHash),
		user.DisplayName,
		nullString(user.AvatarURL),
		user.CreatedAt,
		user.LastLoginAt,
		user.Active,
		preferencesJSON,
		user.Stats.TotalConsultations,
		user.Stats.ResolvedCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Update merges the non-nil fields of update into the record.
func (r *UserRepository) Update(ctx context.Context, email string, update types.UserUpdate) error {
	var (
		lastLogin sql.NullTime
		role      sql.NullString
	)
	if update.LastLoginAt != nil {
		lastLogin = sql.NullTime{Time: *update.LastLoginAt, Valid: true}
	}
	if update.Role != nil {
		role = sql.NullString{String: string(*update.Role), Valid: true}
	}

	const query = `
		UPDATE users
		SET last_login_at = COALESCE($1, last_login_at),
			role = COALESCE($2, role)
		WHERE email = $3`
	return r.execOne(ctx, query, lastLogin, role, email)
}

func (r *UserRepository) IncrementConsultations(ctx context.Context, email string, at time.Time) error {
	const query = `
		UPDATE users
		SET total_consultations = total_consultations + 1,
			last_consultation_at = $1
		WHERE email = $2`
	return r.execOne(ctx, query, at, email)
}

// AdjustResolvedCount adds delta to the resolved counter, never below zero.
func (r *UserRepository) AdjustResolvedCount(ctx context.Context, email string, delta int) error {
	const query = `
		UPDATE users
		SET resolved_count = GREATEST(resolved_count + $1, 0)
		WHERE email = $2`
	return r.execOne(ctx, query, delta, email)
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
