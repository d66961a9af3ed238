package executor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// FailureKind is the numeric classification of a transport-level failure.
// Health statuses report the negated kind as their code, so the values are
// part of the protocol and must stay stable.
type FailureKind int

const (
	FailureUnknown        FailureKind = 1
	FailureNameResolution FailureKind = 2
	FailureConnection     FailureKind = 3
	FailureTimeout        FailureKind = 4
	FailureTLS            FailureKind = 5
	FailureProtocol       FailureKind = 6
)

func (k FailureKind) String() string {
	switch k {
	case FailureNameResolution:
		return "name-resolution"
	case FailureConnection:
		return "connection"
	case FailureTimeout:
		return "timeout"
	case FailureTLS:
		return "tls"
	case FailureProtocol:
		return "protocol"
	}
	return "unknown"
}

// RequestFailure is returned when a request never produced an HTTP response.
// Responses with error status codes are not failures.
type RequestFailure struct {
	Kind FailureKind
	URL  string
	Err  error
}

func (f *RequestFailure) Error() string {
	return fmt.Sprintf("%s failure requesting %s: %s", f.Kind, f.URL, f.Err)
}

func (f *RequestFailure) Unwrap() error {
	return f.Err
}

// classifyTransportError maps an error out of the HTTP client onto a
// FailureKind. Specific checks run before the broad *net.OpError check
// since dial errors wrap the more specific causes.
func classifyTransportError(err error) FailureKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureNameResolution
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return FailureTLS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return FailureTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return FailureConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}

	return FailureUnknown
}
