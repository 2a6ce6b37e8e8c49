package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_Digest(t *testing.T) {
	t.Run("plain sha256 matches stdlib hex", func(t *testing.T) {
		want := sha256.Sum256([]byte("secret123"))
		got := NewHasher(nil).Digest([]byte("secret123"))
		assert.Equal(t, hex.EncodeToString(want[:]), got.String())
	})

	t.Run("deterministic", func(t *testing.T) {
		h := NewHasher([]byte("pepper"))
		assert.Equal(t, h.Digest([]byte("k")), h.Digest([]byte("k")))
	})

	t.Run("pepper changes digest", func(t *testing.T) {
		plain := NewHasher(nil).Digest([]byte("k"))
		peppered := NewHasher([]byte("pepper")).Digest([]byte("k"))
		assert.NotEqual(t, plain, peppered)
	})

	t.Run("empty secret has a defined digest", func(t *testing.T) {
		d := NewHasher(nil).Digest(nil)
		assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.String())
		assert.False(t, d.IsZero())
	})

	t.Run("nil hasher falls back to sha256", func(t *testing.T) {
		var h *Hasher
		assert.Equal(t, NewHasher(nil).Digest([]byte("x")), h.Digest([]byte("x")))
	})
}

func TestHasher_NoCollisions(t *testing.T) {
	h := NewHasher(nil)
	seen := make(map[Digest]string, 10000)
	for i := range 10000 {
		secret := fmt.Sprintf("key-%d", i)
		d := h.Digest([]byte(secret))
		prev, dup := seen[d]
		require.False(t, dup, "collision between %q and %q", prev, secret)
		seen[d] = secret
	}
}

func TestDigest_Equal(t *testing.T) {
	h := NewHasher(nil)
	a := h.Digest([]byte("a"))
	b := h.Digest([]byte("b"))

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestParseDigest(t *testing.T) {
	d := NewHasher(nil).Digest([]byte("secret123"))

	got, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = ParseDigest("zz")
	require.Error(t, err)

	_, err = ParseDigest("abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		valid bool
	}{
		{name: "simple", in: "client-A", valid: true},
		{name: "dotted", in: "team.svc_01", valid: true},
		{name: "empty", in: "", valid: false},
		{name: "space", in: "client A", valid: false},
		{name: "control char", in: "client\n", valid: false},
		{name: "non ascii", in: "clïent", valid: false},
		{name: "too long", in: string(make([]byte, MaxIdentityLen+1)), valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseIdentity(tt.in)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, ClientIdentity(tt.in), id)
			}
		})
	}
}

func TestDecision_HTTPStatus(t *testing.T) {
	assert.Equal(t, 204, Accepted.HTTPStatus())
	assert.Equal(t, 401, MissingCredential.HTTPStatus())
	assert.Equal(t, 403, UnknownClient.HTTPStatus())
	assert.Equal(t, 500, Decision("").HTTPStatus())
	assert.False(t, Decision("").Valid())
}
