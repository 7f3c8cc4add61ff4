package radio

import "errors"

// ErrorKind classifies engine failures. Every kind collapses to
// [StateError] except [KindDecode], which only drops the affected chunk.
type ErrorKind string

const (
	KindUnknown ErrorKind = "unknown"

	// KindDeviceAcquisition: the microphone or output device is unavailable.
	KindDeviceAcquisition ErrorKind = "device_acquisition"

	// KindSessionOpen: the remote side rejected the connect or the network
	// failed before the session was acknowledged.
	KindSessionOpen ErrorKind = "session_open"

	// KindRemote: asynchronous error reported by an open session.
	KindRemote ErrorKind = "remote"

	// KindDecode: malformed inbound audio payload.
	KindDecode ErrorKind = "decode"
)

// Error wraps an engine failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "radio: " + string(e.Kind)
	}
	return "radio: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapKind attaches kind to err (no-op if err is nil or already classified).
func wrapKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, if present.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
