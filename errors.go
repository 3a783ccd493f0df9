package cepstream

import (
	"errors"
	"fmt"
)

// Bus errors
var (
	ErrBusClosed         = errors.New("bus closed")
	ErrStreamIDRequired  = errors.New("stream id is required")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrHandlerRequired   = errors.New("handler is required")
	ErrTransportRequired = errors.New("transport is required")
	ErrEngineRequired    = errors.New("engine is required")
	ErrBusRequired       = errors.New("bus is required")
)

// DecodeError reports an inbound payload that could not be decoded. The
// message is dropped.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError reports a handler that returned an error or panicked. Panic
// holds the recovered value, if any.
type HandlerError struct {
	Topic string
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s panicked: %v", e.Topic, e.Panic)
	}
	return fmt.Sprintf("handler for %s failed: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerPanic checks if an error reports a recovered handler panic.
func IsHandlerPanic(err error) bool {
	var herr *HandlerError
	return errors.As(err, &herr) && herr.Panic != nil
}
