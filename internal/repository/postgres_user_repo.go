package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/stationops/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, is_active, is_superuser, roles,
	first_name, last_name, dj_name, search_index, last_login, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	var (
		identity  model.Identity
		roles     []string
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.PasswordHash, &identity.IsActive, &identity.IsSuperuser,
		pq.Array(&roles), &identity.FirstName, &identity.LastName, &identity.DJName,
		pq.Array(&identity.SearchIndex), &lastLogin, &identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	identity.Roles, err = model.ParseRoleSet(roles)
	if err != nil {
		return nil, fmt.Errorf("user %s has invalid roles: %w", identity.Email, err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		identity.LastLogin = &t
	}
	return &identity, nil
}

// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		model.CanonicalEmail(email),
	)

	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return identity, nil
}

// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, is_superuser, roles,
		 first_name, last_name, dj_name, search_index, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.IsActive, identity.IsSuperuser,
		pq.Array(identity.Roles.Strings()), identity.FirstName, identity.LastName, identity.DJName,
		pq.Array(identity.SearchIndex), identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Update はユーザーのプロフィール・ロール・有効状態・検索索引を更新する。
func (r *PostgresUserRepo) Update(ctx context.Context, identity *model.Identity) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = $2, is_superuser = $3, roles = $4,
		 first_name = $5, last_name = $6, dj_name = $7, search_index = $8, updated_at = $9
		 WHERE id = $1`,
		identity.ID, identity.IsActive, identity.IsSuperuser, pq.Array(identity.Roles.Strings()),
		identity.FirstName, identity.LastName, identity.DJName, pq.Array(identity.SearchIndex),
		identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return expectOneRow(result, identity.ID)
}

// UpdatePassword はパスワード検証子を更新する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id string, passwordHash []byte) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return expectOneRow(result, id)
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// List は全ユーザーを有効なユーザーを先頭に、姓・名の順で返す。
func (r *PostgresUserRepo) List(ctx context.Context) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 ORDER BY is_active DESC, last_name, first_name, email`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return collectIdentities(rows)
}

// Search は検索索引に term を含むユーザーを返す。無効化されたユーザーは含めない。
func (r *PostgresUserRepo) Search(ctx context.Context, term string, limit int) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE is_active AND search_index @> ARRAY[$1]::text[]
		 ORDER BY last_name, first_name
		 LIMIT $2`,
		term, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return collectIdentities(rows)
}

func collectIdentities(rows *sql.Rows) ([]*model.Identity, error) {
	defer rows.Close()

	var out []*model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return out, nil
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresUserRepo)(nil)
