package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind is the failure taxonomy for remote capability calls.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindService
	KindConnection
	KindRateLimited
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindConnection:
		return "connection"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ErrEmptyResponse is returned when the service answers without content.
var ErrEmptyResponse = errors.New("empty response from AI service")

// Error is a classified failure from a remote capability.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ai %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err, classifying it when it is not
// already an *Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return Classify(err)
}

// Classify maps a raw client error onto an ErrorKind.
//
// An exhausted account (insufficient_quota) is reported by the API as a 429
// but is treated as an auth problem: retrying will not help.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "insufficient_quota" || apiErr.Code == "insufficient_quota" {
			return KindAuth
		}
		return kindForStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return kindForStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}
	if errors.Is(err, ErrEmptyResponse) {
		return KindService
	}
	return KindUnknown
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	default:
		return KindService
	}
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}
