package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/stationops/internal/model"
)

// PostgresSigningKeyRepo はPostgreSQLを使用した署名鍵リポジトリ。
type PostgresSigningKeyRepo struct {
	db *sql.DB
}

// NewPostgresSigningKeyRepo はPostgresSigningKeyRepoを生成する。
func NewPostgresSigningKeyRepo(db *sql.DB) *PostgresSigningKeyRepo {
	return &PostgresSigningKeyRepo{db: db}
}

// Latest は最も新しい鍵を返す。鍵がない場合はnilを返す。
func (r *PostgresSigningKeyRepo) Latest(ctx context.Context) (*model.SigningKey, error) {
	key := &model.SigningKey{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, secret, issued_at FROM signing_keys ORDER BY issued_at DESC LIMIT 1`,
	).Scan(&key.ID, &key.Secret, &key.IssuedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest signing key: %w", err)
	}
	return key, nil
}

// FindByID は指定IDの鍵を返す。見つからない場合はnilを返す。
func (r *PostgresSigningKeyRepo) FindByID(ctx context.Context, id string) (*model.SigningKey, error) {
	key := &model.SigningKey{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, secret, issued_at FROM signing_keys WHERE id = $1`,
		id,
	).Scan(&key.ID, &key.Secret, &key.IssuedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find signing key: %w", err)
	}
	return key, nil
}

// Insert は鍵を保存する。
func (r *PostgresSigningKeyRepo) Insert(ctx context.Context, key *model.SigningKey) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO signing_keys (id, secret, issued_at) VALUES ($1, $2, $3)`,
		key.ID, key.Secret, key.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signing key: %w", err)
	}
	return nil
}

// DeleteIssuedBefore は before より前に発行された鍵を削除する。最新の鍵は削除しない。
func (r *PostgresSigningKeyRepo) DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM signing_keys
		 WHERE issued_at < $1
		   AND id <> (SELECT id FROM signing_keys ORDER BY issued_at DESC LIMIT 1)`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete signing keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SigningKeyRepository = (*PostgresSigningKeyRepo)(nil)
