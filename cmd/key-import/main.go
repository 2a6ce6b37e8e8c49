// Command key-import bulk-loads client keys from gzip-compressed files of
// "client,key" lines into the PostgreSQL registry. The whole input is checked
// first: a key shared by two clients, or a client listed with two keys,
// aborts the import before anything is written.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/storage/postgres"
)

const maxReported = 10

type options struct {
	databaseURL string
	dataDir     string
	pepper      string
	expected    uint
	fpRate      float64
	batchSize   int
	dryRun      bool
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.dataDir, "data-dir", "", "directory whose *.gz files are imported, in addition to positional arguments")
	flag.StringVar(&opts.pepper, "pepper", "", "HMAC pepper for key digests (or KEYGATE_CREDENTIALS_PEPPER env)")
	flag.UintVar(&opts.expected, "expected", 10_000_000, "expected records per file, sizes the bloom filters")
	flag.Float64Var(&opts.fpRate, "fp-rate", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "records per database transaction")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "check the input without writing")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("KEYGATE_CREDENTIALS_PEPPER")
	}

	files, err := inputFiles(opts.dataDir, flag.Args())
	if err != nil {
		slog.Error("no input", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, files); err != nil {
		slog.Error("key import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("key import completed successfully")
}

func inputFiles(dir string, args []string) ([]string, error) {
	files := append([]string(nil), args...)
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.gz"))
		if err != nil {
			return nil, errors.Wrap(err, "list data dir")
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.New("pass input files as arguments or set --data-dir")
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrapf(err, "check file %s", f)
		}
	}
	return files, nil
}

func run(ctx context.Context, opts options, files []string) error {
	hasher := auth.NewHasher([]byte(opts.pepper))
	s := &scanner{hasher: hasher, expected: opts.expected, fpRate: opts.fpRate}

	report, err := s.scan(ctx, files)
	if err != nil {
		return err
	}
	if report.Conflicts() {
		for i, ids := range report.SharedKeys {
			if i == maxReported {
				break
			}
			slog.Error("key shared by clients", slog.String("clients", strings.Join(ids, ",")))
		}
		for i, id := range report.RekeyedClients {
			if i == maxReported {
				break
			}
			slog.Error("client listed with more than one key", slog.String("client", id))
		}
		if len(report.SharedKeys) > 0 {
			return errors.Wrapf(auth.ErrDuplicateKey, "%d shared keys", len(report.SharedKeys))
		}
		return errors.Errorf("%d clients listed with more than one key", len(report.RekeyedClients))
	}
	slog.Info("input is consistent", slog.Uint64("records", report.Records))

	if opts.dryRun {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return err
	}
	return write(ctx, postgres.NewRegistry(pool), hasher, files, opts.batchSize)
}

// upserter stores a batch of entries atomically.
type upserter interface {
	UpsertAll(ctx context.Context, entries []auth.Entry) error
}

// write streams the files again and upserts their records in batches.
func write(ctx context.Context, u upserter, h *auth.Hasher, files []string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	batch := make([]auth.Entry, 0, batchSize)
	var written int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := u.UpsertAll(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		slog.Info("write progress", slog.Int("written", written))
		batch = batch[:0]
		return nil
	}

	for _, path := range files {
		var flushErr error
		err := streamFile(ctx, path, h, func(r record) {
			if flushErr != nil {
				return
			}
			batch = append(batch, auth.Entry{Identity: r.id, Digest: r.digest})
			if len(batch) >= batchSize {
				flushErr = flush()
			}
		})
		if err != nil {
			return err
		}
		if flushErr != nil {
			return errors.Wrap(flushErr, "upsert batch")
		}
	}
	if err := flush(); err != nil {
		return errors.Wrap(err, "upsert batch")
	}
	return nil
}
