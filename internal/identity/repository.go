package identity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finance-engine/internal/platform/db"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs the token store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// GetToken loads a token by id.
func (s *PGStore) GetToken(ctx context.Context, id string) (Token, error) {
	var t Token
	err := s.pool.QueryRow(ctx, `SELECT id, name, secret_hash, permissions, expires_at, revoked_at, created_at
FROM api_tokens WHERE id=$1`, id).Scan(&t.ID, &t.Name, &t.SecretHash, &t.Permissions, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return Token{}, db.NotFound(err, "token")
	}
	return t, nil
}

// InsertToken stores a new token.
func (s *PGStore) InsertToken(ctx context.Context, t Token) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO api_tokens (id, name, secret_hash, permissions, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, t.ID, t.Name, t.SecretHash, t.Permissions, t.ExpiresAt, t.CreatedAt)
	return err
}

// RevokeToken stamps the token revoked.
func (s *PGStore) RevokeToken(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_tokens SET revoked_at=$2 WHERE id=$1 AND revoked_at IS NULL`, id, at)
	return err
}

// TouchToken records the last successful use.
func (s *PGStore) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at=$2 WHERE id=$1`, id, at)
	return err
}

var _ Store = (*PGStore)(nil)
