package eventbus

import (
	"errors"
	"fmt"

	"github.com/EchoPBX/subpub/pkg/resolve"
)

var (
	ErrNamingConvention = errors.New("handler name does not follow the naming convention")
	ErrEventNotFound    = errors.New("event not found")
	// ErrHandlerResolution is matched when a handler's declaring type cannot
	// be determined.
	ErrHandlerResolution = resolve.ErrUnresolvable
	ErrArguments         = errors.New("arguments do not match handler")
)

// NamingConventionError is returned by Subscribe when the handler method is
// not Prefix followed by at least one character.
type NamingConventionError struct {
	Name   string
	Prefix string
}

func (e *NamingConventionError) Error() string {
	return fmt.Sprintf("Subscribed method names must be prefixed with '%s'; possible solution: '%s%s'",
		e.Prefix, e.Prefix, e.Name)
}

func (e *NamingConventionError) Unwrap() error { return ErrNamingConvention }

// EventNotFoundError is returned by Publish for an event nobody subscribed to.
type EventNotFoundError struct {
	Event string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("Unsubscribed event of type '%s' cannot be published to.", e.Event)
}

func (e *EventNotFoundError) Unwrap() error { return ErrEventNotFound }

type HandlerResolutionError struct {
	Err error
}

func (e *HandlerResolutionError) Error() string {
	return "subscribe: " + e.Err.Error()
}

func (e *HandlerResolutionError) Unwrap() error { return e.Err }

// ArgumentError reports published arguments a handler cannot accept.
type ArgumentError struct {
	Event   string
	Handler string
	Reason  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("publish %q to %s: %s", e.Event, e.Handler, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return ErrArguments }

// HandlerError wraps an error returned by a handler.
type HandlerError struct {
	Event   string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("publish %q: %s: %v", e.Event, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
