package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// ProbeLimitConfig configures the failed-validation limiter.
type ProbeLimitConfig struct {
	// Max is the number of rejected requests a caller may accumulate per
	// window before it is refused outright.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// Counts reports whether a response status counts against the caller.
	// If nil, 401 and 403 count.
	Counts func(status int) bool
	// KeyFunc extracts the caller key from a request. If nil, the caller is
	// identified by ForwardedClientAddr(TrustedProxies).
	KeyFunc func(*http.Request) string
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Forwarding headers from any other peer are
	// ignored.
	TrustedProxies []netip.Prefix
}

// window tracks failure counts across two adjacent windows for the sliding
// window algorithm.
type window struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

type probeLimiter struct {
	cfg     ProbeLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

func newProbeLimiter(cfg ProbeLimitConfig) *probeLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ForwardedClientAddr(cfg.TrustedProxies)
	}
	if cfg.Counts == nil {
		cfg.Counts = isRejection
	}
	return &probeLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// rotate advances w so that its current window contains now. The caller must
// hold pl.mu.
func (pl *probeLimiter) rotate(w *window, now time.Time) {
	if now.Sub(w.currStart) < pl.cfg.Window {
		return
	}
	w.prevCount = w.currCount
	w.prevStart = w.currStart
	w.currCount = 0
	w.currStart = now.Truncate(pl.cfg.Window)
	if now.Sub(w.prevStart) >= 2*pl.cfg.Window {
		w.prevCount = 0
	}
}

// effective weights the previous window by how much of it overlaps the
// sliding window ending at now. The caller must hold pl.mu.
func (pl *probeLimiter) effective(w *window, now time.Time) float64 {
	elapsed := now.Sub(w.currStart)
	overlap := 1.0 - elapsed.Seconds()/pl.cfg.Window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	return w.prevCount*overlap + w.currCount
}

// blocked reports whether key has used up its failure budget, and when the
// current window ends.
func (pl *probeLimiter) blocked(key string, now time.Time) (resetAt time.Time, blocked bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	w, ok := pl.windows[key]
	if !ok {
		return now.Add(pl.cfg.Window), false
	}
	pl.rotate(w, now)
	return w.currStart.Add(pl.cfg.Window), pl.effective(w, now) >= float64(pl.cfg.Max)
}

// record counts one failure against key.
func (pl *probeLimiter) record(key string, now time.Time) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	w, ok := pl.windows[key]
	if !ok {
		w = &window{currStart: now.Truncate(pl.cfg.Window)}
		pl.windows[key] = w
	}
	pl.rotate(w, now)
	w.currCount++
}

// cleanup removes callers whose windows have fully expired.
func (pl *probeLimiter) cleanup(now time.Time) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for key, w := range pl.windows {
		if now.Sub(w.currStart) >= 2*pl.cfg.Window {
			delete(pl.windows, key)
		}
	}
}

func (pl *probeLimiter) len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.windows)
}

func (pl *probeLimiter) startCleanup(ctx context.Context) {
	interval := 2 * pl.cfg.Window
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				pl.cleanup(now)
			}
		}
	}()
}

// ProbeLimit returns a middleware that refuses callers who keep presenting
// bad credentials. Only responses for which cfg.Counts holds are counted, so
// a caller with a valid key is never slowed down by its own traffic. Once a
// caller has Max counted responses within the sliding window, further
// requests get 429 Too Many Requests with a Retry-After header and a JSON
// body, without reaching next.
//
// Stale callers are evicted every 2x the window until ctx is cancelled.
func ProbeLimit(ctx context.Context, cfg ProbeLimitConfig) Middleware {
	pl := newProbeLimiter(cfg)
	pl.startCleanup(ctx)
	return probeLimitMiddleware(pl)
}

func probeLimitMiddleware(pl *probeLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := pl.cfg.KeyFunc(r)

			if resetAt, blocked := pl.blocked(key, pl.now()); blocked {
				retryAfter := resetAt.Sub(pl.now())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "too many rejected requests")
				return
			}

			sw := wrapStatus(w)
			next.ServeHTTP(sw, r)
			if pl.cfg.Counts(sw.Status()) {
				pl.record(key, pl.now())
			}
		})
	}
}

func isRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// ClientAddr returns the IP of the connected peer. Forwarding headers are
// ignored.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientAddr returns a key function that believes forwarding headers
// only when the connected peer is one of trusted. X-Forwarded-For is walked
// from the right and the first hop that is not a trusted proxy wins; entries
// further left are client-controlled. X-Real-IP is
// used when X-Forwarded-For is absent. With no trusted proxies this is
// ClientAddr.
func ForwardedClientAddr(trusted []netip.Prefix) func(*http.Request) string {
	if len(trusted) == 0 {
		return ClientAddr
	}
	isTrusted := func(s string) bool {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		peer := ClientAddr(r)
		if !isTrusted(peer) {
			return peer
		}

		var hops []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			hops = append(hops, strings.Split(v, ",")...)
		}
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" || isTrusted(hop) {
				continue
			}
			return hop
		}
		if len(hops) == 0 {
			if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
				return xri
			}
		}
		return peer
	}
}

// ParseTrustedProxies parses CIDR prefixes or single IP addresses.
func ParseTrustedProxies(specs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", spec)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", spec)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
