package httpmiddleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusHandler answers with the status named by the X-Want header, 204 by
// default.
func statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Want") {
		case "401":
			w.WriteHeader(http.StatusUnauthorized)
		case "403":
			w.WriteHeader(http.StatusForbidden)
		case "503":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

func newTestProbeLimit(cfg ProbeLimitConfig) (http.Handler, *probeLimiter, *time.Time) {
	pl := newProbeLimiter(cfg)
	now := time.Date(2025, 6, 15, 12, 0, 30, 0, time.UTC)
	pl.now = func() time.Time { return now }
	return probeLimitMiddleware(pl)(statusHandler()), pl, &now
}

func probe(h http.Handler, addr, want string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.RemoteAddr = addr
	if want != "" {
		req.Header.Set("X-Want", want)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProbeLimit_BlocksAfterFailures(t *testing.T) {
	h, _, _ := newTestProbeLimit(ProbeLimitConfig{Max: 3, Window: time.Minute})

	for _, want := range []string{"401", "403", "401"} {
		w := probe(h, "10.0.0.1:1234", want)
		require.NotEqual(t, http.StatusTooManyRequests, w.Code)
	}

	// Even a request that would succeed is refused now.
	w := probe(h, "10.0.0.1:1234", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(429), body["code"])
	assert.Equal(t, "too many rejected requests", body["message"])
}

func TestProbeLimit_SuccessesDoNotCount(t *testing.T) {
	h, pl, _ := newTestProbeLimit(ProbeLimitConfig{Max: 2, Window: time.Minute})

	for i := range 50 {
		w := probe(h, "10.0.0.1:1234", "")
		require.Equal(t, http.StatusNoContent, w.Code, "request %d", i)
	}
	// Backend failures are not the caller's fault either.
	for range 5 {
		w := probe(h, "10.0.0.1:1234", "503")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
	assert.Zero(t, pl.len())
}

func TestProbeLimit_PerCaller(t *testing.T) {
	h, _, _ := newTestProbeLimit(ProbeLimitConfig{Max: 1, Window: time.Minute})

	assert.Equal(t, http.StatusForbidden, probe(h, "10.0.0.1:1234", "403").Code)
	assert.Equal(t, http.StatusTooManyRequests, probe(h, "10.0.0.1:5678", "").Code)
	assert.Equal(t, http.StatusNoContent, probe(h, "10.0.0.2:1234", "").Code)
}

func TestProbeLimit_WindowSlides(t *testing.T) {
	h, _, now := newTestProbeLimit(ProbeLimitConfig{Max: 2, Window: time.Minute})

	probe(h, "10.0.0.1:1", "401")
	probe(h, "10.0.0.1:1", "401")
	require.Equal(t, http.StatusTooManyRequests, probe(h, "10.0.0.1:1", "").Code)

	// Halfway into the next window half of the previous count still applies.
	*now = now.Add(time.Minute)
	assert.Equal(t, http.StatusNoContent, probe(h, "10.0.0.1:1", "").Code)

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusNoContent, probe(h, "10.0.0.1:1", "").Code)
}

func TestProbeLimit_Cleanup(t *testing.T) {
	_, pl, now := newTestProbeLimit(ProbeLimitConfig{Max: 2, Window: time.Minute})

	pl.record("a", *now)
	pl.record("b", *now)
	require.Equal(t, 2, pl.len())

	pl.cleanup(now.Add(3 * time.Minute))
	assert.Zero(t, pl.len())
}

func TestProbeLimit_CustomCounts(t *testing.T) {
	h, _, _ := newTestProbeLimit(ProbeLimitConfig{
		Max:    1,
		Window: time.Minute,
		Counts: func(status int) bool { return status == http.StatusUnauthorized },
	})

	probe(h, "10.0.0.1:1", "403")
	assert.Equal(t, http.StatusNoContent, probe(h, "10.0.0.1:1", "").Code)
	probe(h, "10.0.0.1:1", "401")
	assert.Equal(t, http.StatusTooManyRequests, probe(h, "10.0.0.1:1", "").Code)
}

func TestProbeLimit_StopsCleanupWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mw := ProbeLimit(ctx, ProbeLimitConfig{Max: 1, Window: 10 * time.Millisecond})
	cancel()

	w := httptest.NewRecorder()
	mw(statusHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestProbeLimit_IgnoresSpoofedForwardedFor(t *testing.T) {
	h, _, _ := newTestProbeLimit(ProbeLimitConfig{Max: 3, Window: time.Minute})

	blocked := 0
	for i := range 50 {
		req := httptest.NewRequest(http.MethodGet, "/validate", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("X-Want", "401")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			blocked++
		}
	}
	assert.Equal(t, 47, blocked)
}

func TestProbeLimit_TrustedProxyRotatingClientHeader(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	h, _, _ := newTestProbeLimit(ProbeLimitConfig{Max: 3, Window: time.Minute, TrustedProxies: trusted})

	// The client prepends a fresh fake hop each time; the proxy appends the
	// real address.
	blocked := 0
	for i := range 10 {
		req := httptest.NewRequest(http.MethodGet, "/validate", nil)
		req.RemoteAddr = "10.0.0.2:40000"
		req.Header.Set("X-Want", "403")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d, 203.0.113.7", i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			blocked++
		}
	}
	assert.Equal(t, 7, blocked)
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "remote addr", remote: "192.168.1.1:4444", want: "192.168.1.1"},
		{name: "remote without port", remote: "192.168.1.1", want: "192.168.1.1"},
		{
			name:    "forwarded for ignored",
			remote:  "192.168.1.1:4444",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"},
			want:    "192.168.1.1",
		},
		{
			name:    "real ip ignored",
			remote:  "192.168.1.1:4444",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			want:    "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientAddr(req))
		})
	}
}

func TestForwardedClientAddr(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	require.NoError(t, err)
	key := ForwardedClientAddr(trusted)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "untrusted peer",
			remote:  "203.0.113.9:4444",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:    "203.0.113.9",
		},
		{
			name:    "rightmost untrusted hop",
			remote:  "10.1.2.3:4444",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.50, 192.168.1.1"},
			want:    "203.0.113.50",
		},
		{
			name:    "all hops trusted",
			remote:  "10.1.2.3:4444",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.5"},
			want:    "10.1.2.3",
		},
		{
			name:    "real ip from trusted peer",
			remote:  "192.168.1.1:4444",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			want:    "198.51.100.7",
		},
		{name: "no headers", remote: "10.1.2.3:4444", want: "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, key(req))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.0.0.1/8", " 127.0.0.1 ", "", "::1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "127.0.0.1/32", got[1].String())
	assert.Equal(t, "::1/128", got[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	require.Error(t, err)
}
