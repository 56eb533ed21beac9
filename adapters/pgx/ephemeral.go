package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lborres/accountd/core"
)

// EphemeralStore keeps single-use flow values in public.ephemeral_values
// so every instance behind a load balancer sees the same OAuth states and
// pending tokens.
type EphemeralStore struct {
	pool *pgxpool.Pool
}

var _ core.EphemeralStore = (*EphemeralStore)(nil)

func NewEphemeralStore(pool *pgxpool.Pool) *EphemeralStore {
	return &EphemeralStore{pool: pool}
}

func (s *EphemeralStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `INSERT INTO public.ephemeral_values (key, payload, expires_at)
	          VALUES ($1, $2, now() + make_interval(secs => $3))
	          ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`

	_, err := s.pool.Exec(ctx, query, key, value, ttl.Seconds())
	return err
}

func (s *EphemeralStore) Peek(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM public.ephemeral_values WHERE key = $1 AND expires_at > now()`, key).Scan(&payload)
	return payload, notFound(err)
}

func (s *EphemeralStore) Take(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `DELETE FROM public.ephemeral_values WHERE key = $1 AND expires_at > now() RETURNING payload`, key).Scan(&payload)
	return payload, notFound(err)
}

func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM public.ephemeral_values WHERE key = $1`, key)
	return err
}

// PurgeExpired removes expired rows and returns how many were dropped.
func (s *EphemeralStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.ephemeral_values WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrEphemeralNotFound
	}
	return err
}
