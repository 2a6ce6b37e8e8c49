package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID. NGINX forwards it to the auth
// subrequest when configured with proxy_set_header X-Request-ID $request_id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext returns the request ID stored by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID tags every request with an ID taken from the first valid value of
// X-Request-ID or one of the fallback headers, or a fresh UUID v4 when none
// carries one. The ID is always answered as X-Request-ID, whichever header it
// came from, and stored in the request context.
func RequestID(fallbackHeaders ...string) Middleware {
	headers := append([]string{RequestIDHeader}, fallbackHeaders...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := incomingRequestID(r, headers)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

func incomingRequestID(r *http.Request, headers []string) string {
	for _, h := range headers {
		if id := r.Header.Get(h); isValidRequestID(id) {
			return id
		}
	}
	return ""
}

// isValidRequestID accepts 1..128 bytes of printable ASCII.
func isValidRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := range len(id) {
		if c := id[i]; c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
