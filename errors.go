package dnsfwd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ParseError is returned when a DNS message cannot be decoded from wire
// format, or decodes to a query with no question section.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// AuthorizationError is returned when a client's address is not permitted by
// the configured network whitelist.
type AuthorizationError struct {
	Client string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("client %s is not authorized", e.Client)
}

// InfiniteForwardingError is returned when an upstream target resolves to
// the agent's own listening endpoint, which would otherwise loop forever.
type InfiniteForwardingError struct {
	Target string
}

func (e *InfiniteForwardingError) Error() string {
	return fmt.Sprintf("refusing to forward to %s: would loop back to this listener", e.Target)
}

// UpstreamUnreachableError wraps a transport-level failure reaching an
// upstream resolver, such as an ICMP port-unreachable.
type UpstreamUnreachableError struct {
	Upstream string
	Err      error
}

func (e *UpstreamUnreachableError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Upstream, e.Err)
}
func (e *UpstreamUnreachableError) Unwrap() error { return e.Err }

// TimeoutError is returned when a transaction's deadline fires before a
// matching response was read from the upstream socket.
type TimeoutError struct {
	QName string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query for %q timed out", e.QName)
}

// HTTPResolveError wraps a failure from the HTTP resolver (C5): a
// non-2xx response, a network error, or a malformed response body.
type HTTPResolveError struct {
	Upstream string
	Err      error
}

func (e *HTTPResolveError) Error() string {
	return fmt.Sprintf("http resolve against %s failed: %v", e.Upstream, e.Err)
}
func (e *HTTPResolveError) Unwrap() error { return e.Err }

// wrapf annotates err with a message using github.com/pkg/errors, preserving
// the original error's stack trace if it has one.
func wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
