package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/maidconnect/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p := &model.Profile{}
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, role, created_at, updated_at
		 FROM profiles
		 WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.FullName, &role, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	p.Role = model.Role(role)
	return p, nil
}

// upsertProfileSQL はid衝突時に既存行を更新する。
// roleは$5がtrueの場合のみ上書きし、email/full_nameは空文字列で既存値を消さない。
const upsertProfileSQL = `
INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (id) DO UPDATE SET
    email      = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE profiles.email END,
    full_name  = CASE WHEN EXCLUDED.full_name <> '' THEN EXCLUDED.full_name ELSE profiles.full_name END,
    role       = CASE WHEN $5::boolean THEN EXCLUDED.role ELSE profiles.role END,
    updated_at = now()
RETURNING id, email, full_name, role, created_at, updated_at`

// Upsert はプロフィールを作成または更新し、書き込み後の行を返す。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.Profile, overwriteRole bool) (*model.Profile, error) {
	out := &model.Profile{}
	var role string
	err := r.db.QueryRowContext(ctx, upsertProfileSQL,
		profile.ID, profile.Email, profile.FullName, string(profile.Role), overwriteRole,
	).Scan(&out.ID, &out.Email, &out.FullName, &role, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	out.Role = model.Role(role)
	return out, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
