// Package auth decides whether a presented API key belongs to a registered
// client. It hashes the key, consults a pluggable registry and memoizes
// decisions in a bounded TTL cache.
package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

// DefaultLookupTimeout bounds a single registry call when Options does not.
const DefaultLookupTimeout = 2 * time.Second

// Options configures a Validator.
type Options struct {
	// Hasher computes credential digests. Defaults to plain SHA-256.
	Hasher *Hasher
	// Cache memoizes decisions. Nil disables caching.
	Cache *DecisionCache
	// Resolver finds the client by key digest for ValidateKey. When nil and
	// the registry implements IdentityResolver, the registry is used.
	Resolver IdentityResolver
	// LookupTimeout bounds every registry call.
	LookupTimeout time.Duration
	// TracerProvider is used for spans. Defaults to a no-op provider.
	TracerProvider trace.TracerProvider
}

// Validator turns a presented identity and credential into a Decision.
// It is safe for concurrent use.
type Validator struct {
	registry      Registry
	resolver      IdentityResolver
	hasher        *Hasher
	cache         *DecisionCache
	lookupTimeout time.Duration
	tracer        trace.Tracer

	lookups  singleflight.Group
	resolves singleflight.Group
}

// NewValidator creates a Validator backed by registry.
func NewValidator(registry Registry, opts Options) *Validator {
	if opts.Hasher == nil {
		opts.Hasher = NewHasher(nil)
	}
	if opts.Resolver == nil {
		if r, ok := registry.(IdentityResolver); ok {
			opts.Resolver = r
		}
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	return &Validator{
		registry:      registry,
		resolver:      opts.Resolver,
		hasher:        opts.Hasher,
		cache:         opts.Cache,
		lookupTimeout: opts.LookupTimeout,
		tracer:        opts.TracerProvider.Tracer("keygate/auth"),
	}
}

// Validate decides whether secret is the registered key of identity. An empty
// identity means none was presented, a nil or empty secret means no credential
// was presented.
//
// The returned error is non-nil only when the registry could not be consulted
// (it matches ErrBackendUnavailable) or ctx ended first. No decision is cached
// in either case.
func (v *Validator) Validate(ctx context.Context, identity string, secret []byte) (Decision, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Validate")
	defer span.End()

	d, cached, err := v.validate(ctx, identity, secret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate")
		return "", err
	}
	span.SetAttributes(
		attribute.String("keygate.decision", d.String()),
		attribute.Bool("keygate.cache_hit", cached),
	)
	return d, nil
}

func (v *Validator) validate(ctx context.Context, identity string, secret []byte) (Decision, bool, error) {
	if len(secret) == 0 {
		return MissingCredential, false, nil
	}
	if identity == "" {
		return UnknownClient, false, nil
	}
	id, ok := ParseIdentity(identity)
	if !ok {
		return UnknownClient, false, nil
	}

	key := CacheKey{Identity: id, Digest: v.hasher.Digest(secret)}
	if v.cache != nil {
		if d, ok := v.cache.Get(key); ok {
			return d, true, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	expected, found, err := v.lookup(ctx, id)
	if err != nil {
		return "", false, err
	}

	var d Decision
	switch {
	case !found:
		d = UnknownClient
	case expected.Equal(key.Digest):
		d = Accepted
	default:
		d = MissingCredential
	}

	v.remember(ctx, key, d)
	return d, false, nil
}

// ValidateKey validates a credential presented without a client identity.
// The identity is resolved from the key digest first, which requires a
// resolver. The outcome, including the resolved identity, is cached under the
// digest alone, so repeated calls with the same key reach the registry once
// per TTL.
func (v *Validator) ValidateKey(ctx context.Context, secret []byte) (Decision, ClientIdentity, error) {
	ctx, span := v.tracer.Start(ctx, "auth.ValidateKey")
	defer span.End()

	if len(secret) == 0 {
		return MissingCredential, "", nil
	}
	if v.resolver == nil {
		return UnknownClient, "", nil
	}

	digest := v.hasher.Digest(secret)
	if v.cache != nil {
		if id, d, ok := v.cache.GetResolved(digest); ok {
			span.SetAttributes(
				attribute.String("keygate.decision", d.String()),
				attribute.Bool("keygate.cache_hit", true),
			)
			return d, id, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	id, found, err := v.resolve(ctx, digest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve identity")
		return "", "", err
	}
	if !found {
		v.rememberResolved(ctx, digest, "", UnknownClient)
		return UnknownClient, "", nil
	}

	d, err := v.Validate(ctx, id.String(), secret)
	if err != nil {
		return "", "", err
	}
	v.rememberResolved(ctx, digest, id, d)
	return d, id, nil
}

func (v *Validator) rememberResolved(ctx context.Context, digest Digest, id ClientIdentity, d Decision) {
	if v.cache == nil || ctx.Err() != nil {
		return
	}
	v.cache.PutResolved(digest, id, d, v.cache.TTLFor(d))
}

func (v *Validator) remember(ctx context.Context, key CacheKey, d Decision) {
	if v.cache == nil || ctx.Err() != nil {
		return
	}
	v.cache.Put(key, d, v.cache.TTLFor(d))
}

type lookupResult struct {
	digest Digest
	found  bool
}

// lookup consults the registry, sharing one backend call between concurrent
// callers asking for the same identity. The shared call is detached from any
// single caller's cancellation and bounded by the lookup timeout instead; a
// caller whose ctx ends stops waiting and gets ctx.Err().
func (v *Validator) lookup(ctx context.Context, id ClientIdentity) (Digest, bool, error) {
	ch := v.lookups.DoChan(id.String(), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.lookupTimeout)
		defer cancel()

		d, found, err := v.registry.Lookup(lctx, id)
		if err != nil {
			return nil, err
		}
		return lookupResult{digest: d, found: found}, nil
	})

	select {
	case <-ctx.Done():
		return Digest{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Digest{}, false, &BackendError{Op: "lookup client", Err: res.Err}
		}
		r := res.Val.(lookupResult)
		return r.digest, r.found, nil
	}
}

type resolveResult struct {
	id    ClientIdentity
	found bool
}

// resolve finds the owner of d. Like lookup, concurrent callers share one
// detached backend call.
func (v *Validator) resolve(ctx context.Context, d Digest) (ClientIdentity, bool, error) {
	ch := v.resolves.DoChan(d.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.lookupTimeout)
		defer cancel()

		id, found, err := v.resolver.ResolveIdentity(rctx, d)
		if err != nil {
			return nil, err
		}
		return resolveResult{id: id, found: found}, nil
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, &BackendError{Op: "resolve identity", Err: res.Err}
		}
		r := res.Val.(resolveResult)
		return r.id, r.found, nil
	}
}
