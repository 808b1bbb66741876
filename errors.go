package ghostdns

import "github.com/pkg/errors"

// Error kinds surfaced by the resolution pipeline. Transport layers
// (DoH/DoT listeners) translate these into their protocol's failure shape.
var (
	// ErrMalformedMessage means the client's DNS bytes failed to parse.
	ErrMalformedMessage = errors.New("malformed dns message")

	// ErrBadRequest covers transport-level request problems: a missing
	// "dns" query parameter, wrong content-type, or unknown path.
	ErrBadRequest = errors.New("bad request")

	// ErrUpstreamError means the upstream DoH resolver returned a non-2xx
	// status or the request failed in transport.
	ErrUpstreamError = errors.New("upstream resolver error")

	// ErrDnssecValidationFailed means DNSSEC enforcement is strict and the
	// upstream response did not carry the AD bit.
	ErrDnssecValidationFailed = errors.New("dnssec validation failed")

	// ErrCryptoResolverError covers ENS/Unstoppable HTTP failures, missing
	// credentials, and unexpected JSON shapes.
	ErrCryptoResolverError = errors.New("crypto resolver error")

	// ErrCacheIO is non-fatal: callers log it and treat it as a miss on
	// read or silently drop it on write.
	ErrCacheIO = errors.New("cache io error")

	// ErrTlsConfig means the DoT listener's certificate/key could not be
	// loaded; the listener is skipped and the daemon continues.
	ErrTlsConfig = errors.New("tls config error")

	// ErrMissingCredential means a required API token environment
	// variable is unset or empty.
	ErrMissingCredential = errors.New("missing credential")
)

// QueryError wraps one of the sentinel kinds above with request context.
type QueryError struct {
	Kind    error
	Qname   string
	Message string
}

func (e *QueryError) Error() string {
	if e.Qname != "" {
		return e.Kind.Error() + " (" + e.Qname + "): " + e.Message
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *QueryError) Unwrap() error {
	return e.Kind
}

func newQueryError(kind error, qname, msg string) *QueryError {
	return &QueryError{Kind: kind, Qname: qname, Message: msg}
}
