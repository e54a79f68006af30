package callsession

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRelay is returned when the relay pool has no members.
	ErrNoRelay = errors.New("no media relay available")
	// ErrCanceled is returned when the caller abandons the call before it
	// is bridged.
	ErrCanceled = errors.New("caller abandoned")
)

// SIPError is a final non-2xx SIP response, either received from the far end
// or chosen locally for the caller.
type SIPError struct {
	Status  int
	Reason  string
	Headers []Header
}

func (e *SIPError) Error() string {
	return fmt.Sprintf("sip %d %s", e.Status, e.Reason)
}

// RelayError is returned when the media relay replies with a result other
// than ok.
type RelayError struct {
	Command string
	Result  string
	Reason  string
}

func (e *RelayError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("relay %s failed: %s (%s)", e.Command, e.Result, e.Reason)
	}
	return fmt.Sprintf("relay %s failed: %s", e.Command, e.Result)
}

// sipStatus returns the status carried by a *SIPError, or 0.
func sipStatus(err error) int {
	var se *SIPError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
