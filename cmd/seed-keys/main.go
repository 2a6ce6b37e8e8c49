// Command seed-keys provisions a client key in the PostgreSQL or Redis
// registry. When no key is given a random one is generated and printed once.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/storage/postgres"
	"github.com/xenking/keygate/internal/storage/redis"
)

type options struct {
	backend     string
	databaseURL string
	redisAddr   string
	redisPass   string
	client      string
	key         string
	pepper      string
}

func main() {
	var opts options

	flag.StringVar(&opts.backend, "backend", "postgres", "registry backend: postgres or redis")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	flag.StringVar(&opts.redisPass, "redis-password", "", "Redis password")
	flag.StringVar(&opts.client, "client", "", "client identity to provision")
	flag.StringVar(&opts.key, "key", "", "API key to register (or KEYGATE_SEED_API_KEY env); generated when empty")
	flag.StringVar(&opts.pepper, "pepper", "", "HMAC pepper for key digests (or KEYGATE_CREDENTIALS_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.key == "" {
		opts.key = os.Getenv("KEYGATE_SEED_API_KEY")
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("KEYGATE_CREDENTIALS_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	id, ok := auth.ParseIdentity(opts.client)
	if !ok {
		return errors.Errorf("invalid or missing --client %q", opts.client)
	}

	key := opts.key
	if key == "" {
		generated, err := generateKey()
		if err != nil {
			return err
		}
		key = generated
		// Printed on stdout only, so it can be captured without the logs.
		fmt.Println(key)
	}
	entry := auth.Entry{Identity: id, Digest: auth.NewHasher([]byte(opts.pepper)).Digest([]byte(key))}

	switch opts.backend {
	case "postgres":
		return seedPostgres(ctx, opts.databaseURL, entry)
	case "redis":
		return seedRedis(ctx, opts.redisAddr, opts.redisPass, entry)
	default:
		return errors.Errorf("unknown backend %q", opts.backend)
	}
}

func seedPostgres(ctx context.Context, databaseURL string, e auth.Entry) error {
	if databaseURL == "" {
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return err
	}

	if err := postgres.NewRegistry(pool).Upsert(ctx, e); err != nil {
		return errors.Wrap(err, "seed client")
	}
	slog.Info("client provisioned", slog.String("client", e.Identity.String()), slog.String("backend", "postgres"))
	return nil
}

func seedRedis(ctx context.Context, addr, password string, e auth.Entry) error {
	slog.Info("connecting to redis", slog.String("addr", addr))
	c, err := redis.NewClient(ctx, redis.Config{Addr: addr, Password: password})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := redis.NewRegistry(c).Put(ctx, e); err != nil {
		return errors.Wrap(err, "seed client")
	}
	slog.Info("client provisioned", slog.String("client", e.Identity.String()), slog.String("backend", "redis"))
	return nil
}

// generateKey returns 32 random bytes, hex encoded.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate key")
	}
	return hex.EncodeToString(b), nil
}
