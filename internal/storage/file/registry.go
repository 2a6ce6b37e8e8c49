// Package file serves a client registry from a YAML file and reloads it when
// the file changes.
//
// The file lists clients by name with either the plain key or its hex digest:
//
//	clients:
//	  client-A:
//	    key: secret123
//	  client-B:
//	    key_digest: 4b6e...
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/storage/memory"
)

var (
	_ auth.Registry         = (*Registry)(nil)
	_ auth.IdentityResolver = (*Registry)(nil)
)

type document struct {
	Clients map[string]client `yaml:"clients"`
}

type client struct {
	Key       string `yaml:"key"`
	KeyDigest string `yaml:"key_digest"`
}

// Options configures a file Registry.
type Options struct {
	// Hasher digests plain keys found in the file. It must match the hasher
	// the validator uses.
	Hasher *auth.Hasher
	// OnReload runs after every successful reload with the new client count.
	OnReload func(clients int)
	Logger   *zap.Logger
}

// Registry is a memory registry populated from a file.
type Registry struct {
	*memory.Registry

	path     string
	hasher   *auth.Hasher
	onReload func(int)
	lg       *zap.Logger
}

// Open loads path and returns a registry serving its clients.
func Open(path string, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	mem, err := memory.NewRegistry()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		Registry: mem,
		path:     path,
		hasher:   opts.Hasher,
		onReload: opts.OnReload,
		lg:       opts.Logger.Named("file-registry"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the watched file.
func (r *Registry) Path() string {
	return r.path
}

// Reload reads the file again. On failure the previously loaded clients
// stay in service.
func (r *Registry) Reload() error {
	if err := r.load(); err != nil {
		return err
	}
	if r.onReload != nil {
		r.onReload(r.Len())
	}
	return nil
}

func (r *Registry) load() error {
	entries, err := Parse(r.path, r.hasher)
	if err != nil {
		return err
	}
	if err := r.Replace(entries); err != nil {
		return errors.Wrapf(err, "load %s", r.path)
	}
	r.lg.Info("Registry loaded", zap.String("path", r.path), zap.Int("clients", len(entries)))
	return nil
}

// Watch reloads the registry whenever the file is written, created or
// renamed into place, until ctx is done. The parent directory is watched so
// that atomic replacements (write to temp file, then rename) are seen.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.lg.Error("Reload failed, keeping previous clients", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.lg.Warn("Watcher error", zap.Error(err))
		}
	}
}

// Parse reads a registry file into entries. Plain keys are digested with h.
func Parse(path string, h *auth.Hasher) ([]auth.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read registry file")
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	names := make([]string, 0, len(doc.Clients))
	for name := range doc.Clients {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]auth.Entry, 0, len(names))
	for _, name := range names {
		c := doc.Clients[name]
		id, ok := auth.ParseIdentity(name)
		if !ok {
			return nil, errors.Errorf("invalid client name %q", name)
		}

		var d auth.Digest
		switch {
		case c.Key != "" && c.KeyDigest != "":
			return nil, errors.Errorf("client %q: key and key_digest are mutually exclusive", name)
		case c.Key != "":
			d = h.Digest([]byte(c.Key))
		case c.KeyDigest != "":
			d, err = auth.ParseDigest(c.KeyDigest)
			if err != nil {
				return nil, errors.Wrapf(err, "client %q", name)
			}
		default:
			return nil, errors.Errorf("client %q: key or key_digest is required", name)
		}
		entries = append(entries, auth.Entry{Identity: id, Digest: d})
	}
	return entries, nil
}
