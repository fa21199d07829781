package internal

import (
	"encoding/json"
	"fmt"
)

// TransportError indicates the message bus was unreachable or timed out.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Err.Error())
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError indicates a malformed or unrecognized payload.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %s", e.Err.Error())
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StorageError indicates a transaction or constraint failure on either store.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s", e.Err.Error())
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError indicates a role-restricted operation was invoked by
// the wrong role, or the configuration is otherwise unusable.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Msg)
}

// GateError indicates the request gate's freshness check failed unexpectedly.
// Callers treat it as "data unavailable".
type GateError struct {
	Err error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate error: %s", e.Err.Error())
}

func (e *GateError) Unwrap() error { return e.Err }

// HandlerError is an HTTP-facing error with a status code.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}
