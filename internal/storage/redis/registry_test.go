//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/keygate/internal/domain/auth"
)

func setupClient(t *testing.T) *goredis.Client {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("could not start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := NewClient(ctx, Config{Addr: addr, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func digest(key string) auth.Digest {
	return auth.NewHasher(nil).Digest([]byte(key))
}

func TestRegistry(t *testing.T) {
	c := setupClient(t)
	r := NewRegistry(c)
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))

	_, found, err := r.Lookup(ctx, "client-A")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-A", Digest: digest("secret123")}))

	d, found, err := r.Lookup(ctx, "client-A")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, d.Equal(digest("secret123")))

	id, found, err := r.ResolveIdentity(ctx, digest("secret123"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, auth.ClientIdentity("client-A"), id)

	// Re-putting the same entry is a no-op.
	require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-A", Digest: digest("secret123")}))

	err = r.Put(ctx, auth.Entry{Identity: "client-B", Digest: digest("secret123")})
	assert.ErrorIs(t, err, auth.ErrDuplicateKey)

	// Rotation unlinks the old digest.
	require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-A", Digest: digest("rotated")}))
	_, found, err = r.ResolveIdentity(ctx, digest("secret123"))
	require.NoError(t, err)
	assert.False(t, found)

	v := auth.NewValidator(r, auth.Options{})
	dec, err := v.Validate(ctx, "client-A", []byte("rotated"))
	require.NoError(t, err)
	assert.Equal(t, auth.Accepted, dec)

	ok, err := r.Delete(ctx, "client-A")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Delete(ctx, "client-A")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err = r.ResolveIdentity(ctx, digest("rotated"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_CorruptDigest(t *testing.T) {
	c := setupClient(t)
	r := NewRegistry(c)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, clientPrefix+"client-X", "not-hex", 0).Err())

	_, _, err := r.Lookup(ctx, "client-X")
	require.Error(t, err)

	v := auth.NewValidator(r, auth.Options{})
	_, err = v.Validate(ctx, "client-X", []byte("anything"))
	assert.ErrorIs(t, err, auth.ErrBackendUnavailable)
}

func TestRegistry_UnlinkKeepsForeignDigest(t *testing.T) {
	c := setupClient(t)
	r := NewRegistry(c)
	ctx := context.Background()

	// client-A still points at a digest whose link was handed to client-B.
	require.NoError(t, c.Set(ctx, clientPrefix+"client-A", digest("shared").String(), 0).Err())
	require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-B", Digest: digest("shared")}))

	ok, err := r.Delete(ctx, "client-A")
	require.NoError(t, err)
	assert.True(t, ok)

	id, found, err := r.ResolveIdentity(ctx, digest("shared"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, auth.ClientIdentity("client-B"), id)

	// Rotation away from a foreign digest leaves it alone as well.
	require.NoError(t, c.Set(ctx, clientPrefix+"client-A", digest("shared").String(), 0).Err())
	require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-A", Digest: digest("own")}))

	id, found, err = r.ResolveIdentity(ctx, digest("shared"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, auth.ClientIdentity("client-B"), id)
}

func TestRegistry_ConcurrentDeleteAndHandover(t *testing.T) {
	c := setupClient(t)
	r := NewRegistry(c)
	ctx := context.Background()

	for i := range 20 {
		key := fmt.Sprintf("handover-%d", i)
		require.NoError(t, r.Put(ctx, auth.Entry{Identity: "client-A", Digest: digest(key)}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Delete(ctx, "client-A")
		}()
		go func() {
			defer wg.Done()
			// Fails with ErrDuplicateKey while client-A still owns the key.
			for r.Put(ctx, auth.Entry{Identity: "client-B", Digest: digest(key)}) != nil {
				time.Sleep(time.Millisecond)
			}
		}()
		wg.Wait()

		id, found, err := r.ResolveIdentity(ctx, digest(key))
		require.NoError(t, err)
		require.True(t, found, "iteration %d", i)
		assert.Equal(t, auth.ClientIdentity("client-B"), id)

		_, err = r.Delete(ctx, "client-B")
		require.NoError(t, err)
	}
}
