// Package memory provides an in-process client registry.
package memory

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/auth"
)

var (
	_ auth.Registry         = (*Registry)(nil)
	_ auth.IdentityResolver = (*Registry)(nil)
)

// Registry keeps clients in two maps guarded by one lock. The whole set is
// swapped at once by Replace, so readers never see a partial update.
type Registry struct {
	mu       sync.RWMutex
	byID     map[auth.ClientIdentity]auth.Digest
	byDigest map[auth.Digest]auth.ClientIdentity
}

// NewRegistry creates a registry holding entries.
func NewRegistry(entries ...auth.Entry) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the registered clients for entries. It fails without changing
// anything if an identity is repeated or two clients share a key.
func (r *Registry) Replace(entries []auth.Entry) error {
	byID, byDigest, err := index(entries)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byID = byID
	r.byDigest = byDigest
	r.mu.Unlock()
	return nil
}

// Put registers or re-keys a single client.
func (r *Registry) Put(e auth.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byDigest[e.Digest]; ok && owner != e.Identity {
		return errors.Wrapf(auth.ErrDuplicateKey, "client %q", e.Identity)
	}
	if old, ok := r.byID[e.Identity]; ok {
		delete(r.byDigest, old)
	}
	r.byID[e.Identity] = e.Digest
	r.byDigest[e.Digest] = e.Identity
	return nil
}

// Delete removes a client. Unknown identities are ignored.
func (r *Registry) Delete(id auth.ClientIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.byID[id]; ok {
		delete(r.byDigest, d)
		delete(r.byID, id)
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) Lookup(_ context.Context, id auth.ClientIdentity) (auth.Digest, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok, nil
}

func (r *Registry) ResolveIdentity(_ context.Context, d auth.Digest) (auth.ClientIdentity, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDigest[d]
	return id, ok, nil
}

// Ping always succeeds.
func (r *Registry) Ping(context.Context) error {
	return nil
}

func index(entries []auth.Entry) (map[auth.ClientIdentity]auth.Digest, map[auth.Digest]auth.ClientIdentity, error) {
	byID := make(map[auth.ClientIdentity]auth.Digest, len(entries))
	byDigest := make(map[auth.Digest]auth.ClientIdentity, len(entries))
	for _, e := range entries {
		if _, ok := auth.ParseIdentity(e.Identity.String()); !ok {
			return nil, nil, errors.Errorf("invalid client identity %q", e.Identity)
		}
		if _, ok := byID[e.Identity]; ok {
			return nil, nil, errors.Errorf("client %q registered twice", e.Identity)
		}
		if owner, ok := byDigest[e.Digest]; ok {
			return nil, nil, errors.Wrapf(auth.ErrDuplicateKey, "clients %q and %q", owner, e.Identity)
		}
		byID[e.Identity] = e.Digest
		byDigest[e.Digest] = e.Identity
	}
	return byID, byDigest, nil
}
