package simplefetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/webpeel/webpeel/internal/fetch"
)

// classifyTransportError maps transport failures onto the engine taxonomy
// with cause-specific messages, so callers can decide whether escalating
// to the browser pipeline is worthwhile.
func classifyTransportError(err error, host string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fetch.WrapTimeout(err, "request to %s timed out", host)
	case errors.Is(err, context.Canceled):
		return fetch.WrapTimeout(err, "request to %s canceled", host)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fetch.WrapNetwork(err, "DNS resolution failed for %s", dnsErr.Name)
	}

	if isTLSError(err) {
		return fetch.WrapNetwork(err, "TLS certificate verification failed for %s", host)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fetch.WrapNetwork(err, "connection refused by %s", host)
	case errors.Is(err, syscall.ECONNRESET):
		return fetch.WrapNetwork(err, "connection reset by %s", host)
	case errors.Is(err, syscall.ETIMEDOUT):
		return fetch.WrapTimeout(err, "connection to %s timed out", host)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fetch.WrapTimeout(err, "request to %s timed out", host)
	}

	return fetch.WrapNetwork(err, "request to %s failed", host)
}

func isTLSError(err error) bool {
	var (
		certInvalid  x509.CertificateInvalidError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		recordHeader tls.RecordHeaderError
		certVerify   *tls.CertificateVerificationError
	)
	return errors.As(err, &certInvalid) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &certVerify)
}
