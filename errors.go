package aidebug

import (
	"fmt"
)

// NetworkError reports a failure to reach the chat endpoint or to read
// its response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("chat request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response from the chat endpoint.
// Message holds the API's error message when the body carried one.
type HTTPStatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat endpoint returned %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chat endpoint returned %s", e.Status)
}

// DecodeError reports a response body that could not be turned into a
// reply message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode chat response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
