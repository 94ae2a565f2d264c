package gatewayerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
)

// TransportFailure names the reason a health probe or proxied request never
// produced an HTTP response.
type TransportFailure string

const (
	FailureNone              TransportFailure = ""
	FailureTimeout           TransportFailure = "timeout"
	FailureConnectionRefused TransportFailure = "connection_refused"
	FailureConnectionReset   TransportFailure = "connection_reset"
	FailureDNS               TransportFailure = "dns"
	FailureOther             TransportFailure = "other"
)

// Classify inspects a transport error. Order matters: a DNS error can also
// report Timeout(), and host-not-found is the more useful answer.
func Classify(err error) TransportFailure {
	if err == nil {
		return FailureNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return FailureDNS
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return FailureConnectionReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	return FailureOther
}

// StatusCode maps the failure to the status returned to the client.
func (f TransportFailure) StatusCode() int {
	switch f {
	case FailureTimeout:
		return http.StatusRequestTimeout
	case FailureDNS:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func (f TransportFailure) String() string {
	if f == FailureNone {
		return "none"
	}
	return string(f)
}
