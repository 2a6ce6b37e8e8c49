// Package redis implements the client registry on Redis.
//
// Every client is stored under two keys so it can be found either way:
//
//	keygate:client:<id>      -> hex digest
//	keygate:digest:<digest>  -> id
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/keygate/internal/domain/auth"
)

const (
	clientPrefix = "keygate:client:"
	digestPrefix = "keygate:digest:"
)

var (
	_ auth.Registry         = (*Registry)(nil)
	_ auth.IdentityResolver = (*Registry)(nil)
)

// Config holds connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Addr)
	}
	return c, nil
}

// Registry reads clients from Redis.
type Registry struct {
	rdb redis.UniversalClient
}

// NewRegistry returns a Registry that uses rdb.
func NewRegistry(rdb redis.UniversalClient) *Registry {
	return &Registry{rdb: rdb}
}

func (r *Registry) Lookup(ctx context.Context, id auth.ClientIdentity) (auth.Digest, bool, error) {
	s, err := r.rdb.Get(ctx, clientPrefix+id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return auth.Digest{}, false, nil
		}
		return auth.Digest{}, false, errors.Wrapf(err, "get digest of %q", id)
	}
	d, err := auth.ParseDigest(s)
	if err != nil {
		return auth.Digest{}, false, errors.Wrapf(err, "client %q", id)
	}
	return d, true, nil
}

func (r *Registry) ResolveIdentity(ctx context.Context, d auth.Digest) (auth.ClientIdentity, bool, error) {
	s, err := r.rdb.Get(ctx, digestPrefix+d.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "get client by digest")
	}
	return auth.ClientIdentity(s), true, nil
}

// Put registers a client or replaces its key. The previous digest of the
// client, if any, is unlinked in the same transaction. A key already owned by
// another client yields auth.ErrDuplicateKey.
func (r *Registry) Put(ctx context.Context, e auth.Entry) error {
	idKey := clientPrefix + e.Identity.String()
	digestKey := digestPrefix + e.Digest.String()

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, digestKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case owner != e.Identity.String():
			return errors.Wrapf(auth.ErrDuplicateKey, "client %q", e.Identity)
		}

		old, err := tx.Get(ctx, idKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var unlinkOld bool
		if old != "" && old != e.Digest.String() {
			unlinkOld, err = r.ownsDigest(ctx, tx, old, e.Identity)
			if err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if unlinkOld {
				p.Del(ctx, digestPrefix+old)
			}
			p.Set(ctx, idKey, e.Digest.String(), 0)
			p.Set(ctx, digestKey, e.Identity.String(), 0)
			return nil
		})
		return err
	}, idKey, digestKey)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateKey) {
			return err
		}
		return errors.Wrapf(err, "put %q", e.Identity)
	}
	return nil
}

// Delete removes a client and its digest link. It reports whether the client
// existed.
func (r *Registry) Delete(ctx context.Context, id auth.ClientIdentity) (bool, error) {
	idKey := clientPrefix + id.String()
	var found bool
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		found = false
		old, err := tx.Get(ctx, idKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		unlink, err := r.ownsDigest(ctx, tx, old, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, idKey)
			if unlink {
				p.Del(ctx, digestPrefix+old)
			}
			return nil
		})
		return err
	}, idKey)
	if err != nil {
		return false, errors.Wrapf(err, "delete %q", id)
	}
	return found, nil
}

// ownsDigest adds the digest link of hexDigest to the transaction's watched
// keys and reports whether it still points at id. A link owned by another
// client must survive the unlink of id.
func (r *Registry) ownsDigest(ctx context.Context, tx *redis.Tx, hexDigest string, id auth.ClientIdentity) (bool, error) {
	key := digestPrefix + hexDigest
	if err := tx.Watch(ctx, key).Err(); err != nil {
		return false, err
	}
	owner, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == id.String(), nil
}

// Ping checks that Redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
