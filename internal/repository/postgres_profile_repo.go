package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/unitconv/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, full_name, username, role, email, preferences, privacy_settings, created_at, updated_at, last_login_at`

// jsonColumns はJSONエンコードして保存するカラム。
var jsonColumns = map[string]bool{
	"preferences":      true,
	"privacy_settings": true,
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	var role string
	var prefs, privacy []byte
	var lastLogin sql.NullTime
	if err := row.Scan(&p.ID, &p.FullName, &p.Username, &role, &p.Email,
		&prefs, &privacy, &p.CreatedAt, &p.UpdatedAt, &lastLogin); err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	if err := unmarshalObject(prefs, &p.Preferences); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	if err := unmarshalObject(privacy, &p.PrivacySettings); err != nil {
		return nil, fmt.Errorf("failed to decode privacy settings: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return p, nil
}

func unmarshalObject(raw []byte, dest *map[string]any) error {
	if len(raw) == 0 {
		*dest = map[string]any{}
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id::text = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// List はプロフィール一覧をcreated_at降順で返す。
func (r *PostgresProfileRepo) List(ctx context.Context, excludeID string) ([]*model.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles`
	var args []any
	if excludeID != "" {
		query += ` WHERE id::text <> $1`
		args = append(args, excludeID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []*model.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

// Update は指定カラムを更新し、更新後のプロフィールを返す。
// patchのキーはmodel.ProfileColumnsかupdated_atに限られる。
func (r *PostgresProfileRepo) Update(ctx context.Context, id string, patch map[string]any) (*model.Profile, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("failed to update profile: empty patch")
	}

	sets := make([]string, 0, len(patch))
	args := []any{id}
	for _, col := range slices.Sorted(maps.Keys(patch)) {
		if !model.ProfileColumns[col] && col != "updated_at" {
			return nil, fmt.Errorf("failed to update profile: unknown column %q", col)
		}
		v := patch[col]
		if jsonColumns[col] {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", col, err)
			}
			v = string(raw)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id::text = $1 RETURNING `+profileColumns,
		args...,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return p, nil
}

// TouchLastLogin はlast_login_atを更新する。
func (r *PostgresProfileRepo) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET last_login_at = $2 WHERE id::text = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
