package natkeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrTryAgain signals that no response has arrived yet.
	// It never escapes the backoff driver.
	ErrTryAgain = errors.New("natpmp: no response yet, try again")

	// ErrTimeout is returned when the backoff timeout passes its ceiling.
	ErrTimeout = errors.New("natpmp: gateway did not answer in time")

	// ErrUnexpectedResponse is returned when the gateway answers with the wrong response type.
	ErrUnexpectedResponse = errors.New("natpmp: unexpected response type")

	// ErrMappingFailed wraps every mapping query failure.
	ErrMappingFailed = errors.New("natpmp: port mapping failed")

	// ErrNotifierFailed wraps a failed downstream notification.
	ErrNotifierFailed = errors.New("notifier failed")

	// ErrSessionClosed is returned by a Session after Close.
	ErrSessionClosed = errors.New("natpmp: session closed")
)

// TransportError is a fatal transport failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("natpmp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
