// Package handler exposes the validator over HTTP as an NGINX auth_request
// target.
package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/keygate/internal/domain/auth"
)

const (
	// OriginalURIHeader is set by the gateway to the URI of the request being
	// authorized (proxy_set_header X-Original-URI $request_uri).
	OriginalURIHeader = "X-Original-URI"
	// FailOpenHeader marks responses that let a request through because the
	// registry could not be consulted.
	FailOpenHeader = "X-Keygate-Fail-Open"
)

// Validator decides on presented credentials.
type Validator interface {
	Validate(ctx context.Context, identity string, secret []byte) (auth.Decision, error)
	ValidateKey(ctx context.Context, secret []byte) (auth.Decision, auth.ClientIdentity, error)
}

// Config controls where credentials are read from.
type Config struct {
	// KeyHeaders are checked in order for the API key.
	KeyHeaders []string
	// KeyQuery are query parameters checked in order after KeyHeaders. They
	// are read from the request URI and from OriginalURIHeader.
	KeyQuery []string
	// IdentityHeader carries the client identity. When empty, or when the
	// request does not set it, the client is resolved from the key.
	IdentityHeader string
	// ResponseIdentityHeader is set to the client identity on success.
	ResponseIdentityHeader string
	// FailOpen answers 204 instead of 503 when the registry is unavailable.
	FailOpen bool
}

// DefaultConfig reads the key from X-API-Key or ?apikey= and the identity
// from X-Client-ID.
func DefaultConfig() Config {
	return Config{
		KeyHeaders:             []string{"X-API-Key"},
		KeyQuery:               []string{"apikey"},
		IdentityHeader:         "X-Client-ID",
		ResponseIdentityHeader: "X-Client-ID",
	}
}

// ValidateHandler answers auth_request subrequests: 204 when the key is
// accepted, 401 when it is missing or wrong, 403 for an unknown client and
// 503 when the registry cannot be reached.
type ValidateHandler struct {
	v   Validator
	cfg Config

	decisions     metric.Int64Counter
	backendErrors metric.Int64Counter
}

// NewValidateHandler creates the handler. A nil meter provider disables
// metrics.
func NewValidateHandler(v Validator, cfg Config, mp metric.MeterProvider) (*ValidateHandler, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("keygate/handler")

	decisions, err := meter.Int64Counter("keygate.decisions",
		metric.WithDescription("Validation decisions by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "decisions counter")
	}
	backendErrors, err := meter.Int64Counter("keygate.backend.errors",
		metric.WithDescription("Validations that failed because the registry was unavailable"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "backend errors counter")
	}

	return &ValidateHandler{
		v:             v,
		cfg:           cfg,
		decisions:     decisions,
		backendErrors: backendErrors,
	}, nil
}

func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	secret := h.credential(r)
	identity := ""
	if h.cfg.IdentityHeader != "" {
		identity = r.Header.Get(h.cfg.IdentityHeader)
	}

	var (
		d   auth.Decision
		err error
	)
	if identity == "" && len(secret) > 0 {
		var resolved auth.ClientIdentity
		d, resolved, err = h.v.ValidateKey(ctx, secret)
		identity = resolved.String()
	} else {
		d, err = h.v.Validate(ctx, identity, secret)
	}

	if err != nil {
		h.fail(ctx, w, lg, err)
		return
	}

	h.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", d.String())))
	switch d {
	case auth.Accepted:
		if h.cfg.ResponseIdentityHeader != "" {
			w.Header().Set(h.cfg.ResponseIdentityHeader, identity)
		}
		w.WriteHeader(http.StatusNoContent)
	case auth.MissingCredential:
		lg.Debug("Rejected", zap.String("client", identity), zap.Stringer("decision", d))
		writeError(w, d.HTTPStatus(), "missing or invalid api key")
	default:
		lg.Debug("Rejected", zap.String("client", identity), zap.Stringer("decision", d))
		writeError(w, d.HTTPStatus(), "unknown client")
	}
}

func (h *ValidateHandler) fail(ctx context.Context, w http.ResponseWriter, lg *zap.Logger, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		lg.Debug("Validation abandoned", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	h.backendErrors.Add(ctx, 1)
	if h.cfg.FailOpen {
		lg.Warn("Registry unavailable, failing open", zap.Error(err))
		w.Header().Set(FailOpenHeader, strconv.FormatBool(true))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	lg.Error("Registry unavailable", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "registry unavailable")
}

// credential returns the first non-empty key found in the configured
// headers, then the configured query parameters.
func (h *ValidateHandler) credential(r *http.Request) []byte {
	for _, name := range h.cfg.KeyHeaders {
		if v := r.Header.Get(name); v != "" {
			return []byte(v)
		}
	}
	if len(h.cfg.KeyQuery) == 0 {
		return nil
	}

	queries := []url.Values{r.URL.Query()}
	if orig := r.Header.Get(OriginalURIHeader); orig != "" {
		if u, err := url.ParseRequestURI(orig); err == nil {
			queries = append(queries, u.Query())
		}
	}
	for _, name := range h.cfg.KeyQuery {
		for _, q := range queries {
			if v := q.Get(name); v != "" {
				return []byte(v)
			}
		}
	}
	return nil
}

// writeError writes {"code":...,"message":...} using a pooled encoder.
func writeError(w http.ResponseWriter, code int, msg string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("code")
	e.Int(code)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
