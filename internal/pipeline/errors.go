package pipeline

import "errors"

// Sentinel errors classifying pipeline failures. Stages wrap provider errors
// with one of these so the task and its callers can branch with errors.Is
// instead of string matching.
var (
	// ErrTransientProvider marks a provider failure worth retrying once.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrFatalProvider marks a provider failure that will not succeed on
	// retry; the turn degrades to a spoken fallback instead.
	ErrFatalProvider = errors.New("fatal provider error")

	// ErrProtocol marks a frame that violates pipeline ordering or payload
	// expectations. The offending frame is logged and dropped.
	ErrProtocol = errors.New("protocol violation")

	// ErrSessionTerminated is returned when a frame is queued on a task that
	// has ended.
	ErrSessionTerminated = errors.New("session terminated")
)

// Transient wraps err so errors.Is(err, ErrTransientProvider) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTransientProvider, err)
}

// Fatal wraps err so errors.Is(err, ErrFatalProvider) holds.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrFatalProvider, err)
}
