package meter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Domain errors for the meter bridge package.
var (
	// ErrMalformedResponse is returned when a meter response cannot be
	// parsed as XML. It is never retried.
	ErrMalformedResponse = errors.New("meter: malformed response")

	// ErrSchemaConsistency is returned when a reading has no registered
	// state topic. It indicates the schema and the discovery configs have
	// diverged and disables the endpoint.
	ErrSchemaConsistency = errors.New("meter: reading has no registered topic")

	// ErrBootstrapFailed is returned when the identity query cannot be
	// completed. The process must not start polling after it.
	ErrBootstrapFailed = errors.New("meter: bootstrap failed")

	// ErrInvalidSchema is returned when an endpoint schema cannot be
	// loaded or fails validation.
	ErrInvalidSchema = errors.New("meter: invalid schema")

	// ErrNotBootstrapped is returned by Run when Bootstrap has not succeeded.
	ErrNotBootstrapped = errors.New("meter: device not bootstrapped")
)

// StatusError is returned for a non-2xx HTTP response from the meter.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("meter: GET %s returned status %d", e.URL, e.StatusCode)
}

// IsTransient reports whether err is worth retrying: connection
// failures, per-attempt timeouts and 5xx responses. Cancellation of the
// caller's context, 4xx responses, malformed payloads, TLS verification
// and handshake rejections, and request construction errors (bad scheme
// or URL) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	if isTLSRejection(err) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// A body cut short by the meter closing the connection.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// *url.Error is itself a net.Error, so only its Timeout answer counts.
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTLSRejection reports certificate and handshake failures. Retrying
// them cannot succeed until the certificate or key pair changes.
func isTLSRejection(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
		recordErr   tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &recordErr)
}
