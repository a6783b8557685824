package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
	ErrConnectivity   = errors.New("connectivity failure")
	ErrServerRejected = errors.New("server rejected request")
	ErrNoCredential   = errors.New("no access token")
	ErrSessionEnded   = errors.New("session ended while renewal was in flight")
	ErrForeignOrigin  = errors.New("request target is outside the API origin")
)

// ConnectivityError is a network-level failure talking to the API
type ConnectivityError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity failure on %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// SessionExpiredError means the session could not be renewed. Credentials
// have been cleared and the user must log in again.
type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionExpired, e.Cause)
}

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

// ServerRejectedError is a non-2xx response surfaced to the caller
type ServerRejectedError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerRejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s rejected with status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *ServerRejectedError) Is(target error) bool {
	if target == ErrServerRejected {
		return true
	}
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// errorBody covers the two error shapes the API is known to send
type errorBody struct {
	Detail string `json:"detail"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newServerRejected(method, path string, status int, body []byte) *ServerRejectedError {
	e := &ServerRejectedError{Method: method, Path: path, StatusCode: status}

	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Error != nil:
			e.Code = parsed.Error.Code
			e.Message = parsed.Error.Message
		case parsed.Detail != "":
			e.Message = parsed.Detail
		}
	}
	return e
}
