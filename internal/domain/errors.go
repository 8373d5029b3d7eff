package domain

import "errors"

// Errors returned by the replication master. Callers classify failures
// with errors.Is; the controller's recovery policy keys off IsTransient.
var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("replmaster: invalid configuration")

	// ErrUnsupportedMode is returned when a replication mode other than
	// asynchronous is requested.
	ErrUnsupportedMode = errors.New("replmaster: unsupported replication mode")

	// ErrConnectTimeout is returned when the slave did not accept a
	// connection within the connect timeout.
	ErrConnectTimeout = errors.New("replmaster: connection to slave timed out")

	// ErrConnect is returned for any other failure to establish a
	// session with the slave.
	ErrConnect = errors.New("replmaster: connection to slave failed")

	// ErrSend is returned when transmitting a message over an
	// established session fails.
	ErrSend = errors.New("replmaster: send to slave failed")

	// ErrBufferFull is returned by the log buffer when a chunk does not
	// fit in the remaining capacity. The append path resolves it by
	// forcing a flush; it is never surfaced to the storage engine.
	ErrBufferFull = errors.New("replmaster: log buffer full")

	// ErrAlreadyRunning is returned when StartMaster is called on a
	// controller that is not stopped.
	ErrAlreadyRunning = errors.New("replmaster: already running")

	// ErrNotRunning is returned when StopMaster is called on a stopped
	// controller.
	ErrNotRunning = errors.New("replmaster: not running")
)

// IsTransient reports whether err is a transport-class failure that the
// controller recovers from by reconnecting. Everything else terminates
// replication.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnect) ||
		errors.Is(err, ErrSend)
}
