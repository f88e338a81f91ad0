package modem

import (
	"errors"
	"fmt"

	"i4.energy/across/gsmgw/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every operation attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrSIMPin2Required is the PIN2 counterpart of ErrSIMPinRequired.
	ErrSIMPin2Required = errors.New("SIM PIN2 required")

	// ErrSIMBlocked is returned when the SIM asks for a PUK.
	ErrSIMBlocked = errors.New("SIM blocked, PUK required")

	// ErrRegistration is returned when the modem cannot register on the
	// network. The wrapping error names the registration state.
	ErrRegistration = errors.New("network registration failed")

	// ErrProtocol is returned for malformed or unexpected replies and for
	// operations the device does not support. It is never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when no terminator arrives within the
	// configured window.
	ErrTimeout = errors.New("timeout waiting for modem response")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrBufferClosed is returned by a CircularBuffer after Close.
	ErrBufferClosed = errors.New("buffer closed")
)

// ATError is a solicited error reply. Code follows the gateway error
// namespace: 5000+n for +CME ERROR n, 6000+n for +CMS ERROR n, 9000 for a
// generic error and 10000 for an unrecognized reply.
type ATError struct {
	Command  string
	Code     int
	Response string
}

func (e *ATError) Error() string {
	return fmt.Sprintf("AT command %q failed with code %d: %q", e.Command, e.Code, e.Response)
}

// CME reports whether the error is an equipment error, and its number.
func (e *ATError) CME() (int, bool) {
	if e.Code >= at.CodeCMEBase && e.Code < at.CodeCMSBase {
		return e.Code - at.CodeCMEBase, true
	}
	return 0, false
}

// CMS reports whether the error is a network/message service error, and its
// number.
func (e *ATError) CMS() (int, bool) {
	if e.Code >= at.CodeCMSBase && e.Code < at.CodeGeneric {
		return e.Code - at.CodeCMSBase, true
	}
	return 0, false
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
