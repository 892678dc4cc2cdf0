package roaster

import "errors"

// Sentinel errors. Use errors.Is to check; returned errors wrap these with
// the port name and the underlying cause.
var (
	// ErrPortNotFound is returned when the named serial port does not exist.
	ErrPortNotFound = errors.New("roaster: serial port not found")

	// ErrPortBusy is returned when another process holds the port open.
	ErrPortBusy = errors.New("roaster: serial port already open")

	// ErrPermissionDenied is returned when the process may not open the port.
	ErrPermissionDenied = errors.New("roaster: serial port permission denied")

	// ErrConnectFailed covers any other failure to open or configure the port.
	ErrConnectFailed = errors.New("roaster: serial connect failed")

	// ErrNotConnected is returned by Send when no link is open.
	ErrNotConnected = errors.New("roaster: not connected")

	// ErrSendFailed is returned when writing a command to the port fails.
	ErrSendFailed = errors.New("roaster: send failed")

	// ErrMalformed is wrapped by every DecodeError.
	ErrMalformed = errors.New("roaster: malformed line")

	// ErrInvalidCommand is returned for out-of-range command arguments.
	ErrInvalidCommand = errors.New("roaster: invalid command")

	// ErrUnknownField is returned when a field name or address is not known.
	ErrUnknownField = errors.New("roaster: unknown field")
)

// IsConnectError reports whether err is one of the errors Connect returns
// when the port cannot be opened.
func IsConnectError(err error) bool {
	return errors.Is(err, ErrPortNotFound) ||
		errors.Is(err, ErrPortBusy) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrConnectFailed)
}
