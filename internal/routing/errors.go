package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDestination is returned when the request URI lacks a user or host.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrNotFound is returned for an unregistered user or an unroutable number.
	ErrNotFound = errors.New("destination not found")
	// ErrNoRouteFound is returned when no carrier can be selected.
	ErrNoRouteFound = errors.New("no route found")
	// ErrNoGatewaysAvailable is returned when the selected carrier has no
	// usable outbound gateway.
	ErrNoGatewaysAvailable = errors.New("no gateways available")
)

// RedirectError signals that the target device is registered through a
// different SBC; the caller should be redirected to Contact.
type RedirectError struct {
	Contact string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("target registered on another sbc: %s", e.Contact)
}

// StatusCode maps a routing failure to the SIP final response it warrants,
// with a reason phrase. Unknown errors map to 500.
func StatusCode(err error) (int, string) {
	var redirect *RedirectError
	switch {
	case errors.As(err, &redirect):
		return 302, "Moved Temporarily"
	case errors.Is(err, ErrInvalidDestination):
		return 400, "Bad Request"
	case errors.Is(err, ErrNotFound):
		return 404, "Not Found"
	case errors.Is(err, ErrNoRouteFound), errors.Is(err, ErrNoGatewaysAvailable):
		return 603, "Decline"
	default:
		return 500, "Server Internal Error"
	}
}
