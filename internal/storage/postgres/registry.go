package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/keygate/internal/domain/auth"
)

const (
	lookupDigestSQL = `SELECT key_digest FROM api_clients
	WHERE client_id = $1 AND active`

	resolveIdentitySQL = `SELECT client_id FROM api_clients
	WHERE key_digest = $1 AND active`

	upsertClientSQL = `INSERT INTO api_clients (client_id, key_digest)
	VALUES ($1, $2)
	ON CONFLICT (client_id) DO UPDATE
	SET key_digest = EXCLUDED.key_digest, active = TRUE, updated_at = now()`

	deactivateClientSQL = `UPDATE api_clients SET active = FALSE, updated_at = now()
	WHERE client_id = $1 AND active`

	countClientsSQL = `SELECT count(*) FROM api_clients WHERE active`

	keyDigestConstraint = "api_clients_key_digest_key"
	uniqueViolation     = "23505"
)

var (
	_ auth.Registry         = (*Registry)(nil)
	_ auth.IdentityResolver = (*Registry)(nil)
)

// Registry looks clients up in the api_clients table. Deactivated clients
// are treated as absent.
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry returns a Registry that uses the given pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

func (r *Registry) Lookup(ctx context.Context, id auth.ClientIdentity) (auth.Digest, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, lookupDigestSQL, id.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Digest{}, false, nil
		}
		return auth.Digest{}, false, errors.Wrapf(err, "query digest of %q", id)
	}

	var d auth.Digest
	if len(raw) != len(d) {
		return auth.Digest{}, false, errors.Errorf("client %q: stored digest is %d bytes", id, len(raw))
	}
	copy(d[:], raw)
	return d, true, nil
}

func (r *Registry) ResolveIdentity(ctx context.Context, d auth.Digest) (auth.ClientIdentity, bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, resolveIdentitySQL, d[:]).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "query client by digest")
	}
	return auth.ClientIdentity(id), true, nil
}

// Upsert registers a client or replaces its key, reactivating it if needed.
// A key already used by another client yields auth.ErrDuplicateKey.
func (r *Registry) Upsert(ctx context.Context, e auth.Entry) error {
	if _, err := r.pool.Exec(ctx, upsertClientSQL, e.Identity.String(), e.Digest[:]); err != nil {
		return mapWriteError(err, e.Identity)
	}
	return nil
}

// UpsertAll writes entries in one transaction. Either every entry is stored
// or none is.
func (r *Registry) UpsertAll(ctx context.Context, entries []auth.Entry) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(upsertClientSQL, e.Identity.String(), e.Digest[:])
		}
		br := tx.SendBatch(ctx, batch)
		for _, e := range entries {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return mapWriteError(err, e.Identity)
			}
		}
		if err := br.Close(); err != nil {
			return errors.Wrap(err, "close batch")
		}
		return nil
	})
}

// Deactivate revokes a client. It reports whether an active client was found.
func (r *Registry) Deactivate(ctx context.Context, id auth.ClientIdentity) (bool, error) {
	tag, err := r.pool.Exec(ctx, deactivateClientSQL, id.String())
	if err != nil {
		return false, errors.Wrapf(err, "deactivate %q", id)
	}
	return tag.RowsAffected() > 0, nil
}

// Count returns the number of active clients.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countClientsSQL).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count clients")
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func mapWriteError(err error, id auth.ClientIdentity) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == keyDigestConstraint {
		return errors.Wrapf(auth.ErrDuplicateKey, "client %q", id)
	}
	return errors.Wrapf(err, "upsert %q", id)
}
