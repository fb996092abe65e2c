// Package bleproxy collects the error taxonomy shared by every component of
// the proxy daemon (spec §7). Each error is a sentinel or a typed value with
// an Is method so callers can branch with errors.Is/errors.As the way
// internal/device/device.go's ConnectionError does in the teacher repo.
package bleproxy

import "errors"

// Kind classifies a Fault by the recovery policy spec §7 assigns it.
type Kind string

const (
	KindTransportFatal    Kind = "transport_fatal"
	KindProtocolFatal     Kind = "protocol_fatal"
	KindAuthFailure       Kind = "auth_failure"
	KindBackpressureFatal Kind = "backpressure_fatal"
	KindAdapterUnavailable Kind = "adapter_unavailable"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindTimeout           Kind = "timeout"
	KindPeripheralError   Kind = "peripheral_error"
	KindInternal          Kind = "internal"
)

// Fault is the error type raised across the daemon for every case in the
// spec §7 taxonomy. Session-fatal kinds (TransportFatal, ProtocolFatal,
// AuthFailure, BackpressureFatal, Internal) tell the session's reader/writer
// loop to close the socket; the rest surface as a response field and the
// daemon continues.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Kind.string() + ": " + f.Msg + ": " + f.Err.Error()
	}
	return f.Kind.string() + ": " + f.Msg
}

func (k Kind) string() string { return string(k) }

func (f *Fault) Unwrap() error { return f.Err }

// Is allows errors.Is(err, &Fault{Kind: KindX}) to match by Kind alone.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == t.Kind
}

// New builds a Fault of the given kind wrapping err (which may be nil).
func New(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// IsFatal reports whether a session encountering err must close its socket.
func IsFatal(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.Kind {
	case KindTransportFatal, KindProtocolFatal, KindAuthFailure, KindBackpressureFatal, KindInternal:
		return true
	default:
		return false
	}
}

// Sentinels used for errors.Is comparisons where no extra message context is
// needed.
var (
	ErrShortRead         = New(KindTransportFatal, "short read", nil)
	ErrVarintOverflow    = New(KindTransportFatal, "varint overflow", nil)
	ErrPayloadTooLarge   = New(KindTransportFatal, "payload too large", nil)
	ErrUnsupportedTransport = New(KindTransportFatal, "unsupported transport", nil)
	ErrPoolExhausted     = New(KindPoolExhausted, "connection pool exhausted", nil)
	ErrTimeout           = New(KindTimeout, "operation timed out", nil)
)
