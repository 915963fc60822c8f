package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportSendFailure is the transient send failure; callers may retry.
	ErrTransportSendFailure = errors.New("comm: transport send failure")
	ErrPeerUnreachable      = fmt.Errorf("%w: peer unreachable", ErrTransportSendFailure)
	ErrSendBufferFull       = fmt.Errorf("%w: send buffer full", ErrTransportSendFailure)

	ErrNotRunning    = errors.New("comm: services not running")
	ErrUnknownKind   = errors.New("comm: unknown transport kind")
	ErrInvalidConfig = errors.New("comm: invalid config")
	ErrHandshake     = errors.New("comm: handshake failed")

	ErrInvalidSecurityMode     = errors.New("comm: invalid security mode")
	ErrTLSRequired             = errors.New("comm: tls required")
	ErrMTLSRequired            = errors.New("comm: mtls required")
	ErrTLSCertFileRequired     = errors.New("comm: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("comm: tls key file required")
	ErrTLSCAFileRequired       = errors.New("comm: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("comm: insecure skip verify not allowed")
)
