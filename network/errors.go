package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"syscall"
)

// Sentinel errors for the outcomes a caller presents to the user. Wrapped
// errors carry the underlying cause; match with errors.Is.
var (
	ErrDeclined       = errors.New("network: peer declined the transfer")
	ErrCancelled      = errors.New("network: transfer cancelled")
	ErrPeerCancelled  = errors.New("network: transfer cancelled by peer")
	ErrDeviceOffline  = errors.New("network: device offline")
	ErrRequestTimeout = errors.New("network: request timed out")
)

// Display states surfaced to the hosting application.
const (
	StateCancelled      = "Cancelled"
	StateDeviceOffline  = "Device Offline"
	StateRequestTimeout = "Request Timeout"
	StateDeclined       = "Declined by Peer"
	StateFailed         = "Transfer Failed"
)

// Classify maps any send error to one of the five display states.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrPeerCancelled), errors.Is(err, context.Canceled):
		return StateCancelled
	case errors.Is(err, ErrDeclined):
		return StateDeclined
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return StateRequestTimeout
	case errors.Is(err, ErrDeviceOffline):
		return StateDeviceOffline
	default:
		return StateFailed
	}
}

// isTransientConnErr reports whether a handshake failure is worth retrying:
// the host or network is unreachable, the name does not resolve, or the
// attempt timed out. Everything else either reached the peer or never will.
func isTransientConnErr(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

// isTerminalConnErr reports failures that must not be retried or retried
// under the other scheme: an explicit local cancel, a refused connection,
// or a TLS-level abort.
func isTerminalConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	return errors.As(err, &certErr)
}

// isConnectionLost reports whether an error observed after the peer accepted
// looks like the connection being torn down, which in practice means the
// receiving user cancelled.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}
