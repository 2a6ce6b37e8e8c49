package auth

import "net/http"

// Decision is the outcome of validating a presented credential.
type Decision string

const (
	// Accepted means the credential matches the registered digest of the client.
	Accepted Decision = "accepted"
	// MissingCredential means no credential was presented or it did not match.
	// A wrong key is reported the same way as a missing one so callers cannot
	// tell which part of the request failed.
	MissingCredential Decision = "missing_credential"
	// UnknownClient means the client identity is absent, malformed or not
	// registered.
	UnknownClient Decision = "unknown_client"
)

// HTTPStatus maps the decision to the status code a gateway answers with.
func (d Decision) HTTPStatus() int {
	switch d {
	case Accepted:
		return http.StatusNoContent
	case MissingCredential:
		return http.StatusUnauthorized
	case UnknownClient:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	switch d {
	case Accepted, MissingCredential, UnknownClient:
		return true
	default:
		return false
	}
}

func (d Decision) String() string {
	return string(d)
}
