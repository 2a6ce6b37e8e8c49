package auth

import "context"

// Registry maps a client identity to the digest of its key.
//
// Lookup returns found=false with a nil error for an unknown identity. A
// non-nil error always means the backend itself failed.
type Registry interface {
	Lookup(ctx context.Context, id ClientIdentity) (d Digest, found bool, err error)
}

// IdentityResolver finds the client owning a key digest. Backends that keep a
// digest index implement it so callers may present a key without naming the
// client.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, d Digest) (id ClientIdentity, found bool, err error)
}

// Entry is a single registered client.
type Entry struct {
	Identity ClientIdentity
	Digest   Digest
}
