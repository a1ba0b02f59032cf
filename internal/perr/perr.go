// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package perr defines the proxy's error taxonomy: a small set of named
// Kinds that every component classifies its failures into, so the request
// pipeline can map an error straight to an HTTP status and an audit
// disposition without type-switching on package-specific error types.
package perr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind defines the category of error, per the disposition table in the
// proxy's error handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigError
	KindDomainDenied
	KindPathDenied
	KindMethodDenied
	KindRateLimited
	KindUpstreamConnect
	KindCertificateError
	KindConnectionLimit
	KindTimeout
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindConfigError:
		return "ConfigError"
	case KindDomainDenied:
		return "DomainDenied"
	case KindPathDenied:
		return "PathDenied"
	case KindMethodDenied:
		return "MethodDenied"
	case KindRateLimited:
		return "RateLimited"
	case KindUpstreamConnect:
		return "UpstreamConnect"
	case KindCertificateError:
		return "CertificateError"
	case KindConnectionLimit:
		return "ConnectionLimit"
	case KindTimeout:
		return "Timeout"
	case KindProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// StatusCode maps a Kind to the HTTP status the client should see. Kinds
// whose disposition is "close without response" (ConnectionLimit over raw
// TCP) still get a status here for the cases where a response can be
// written (e.g. the forward-proxy HTTP path); callers decide whether to
// write it or just close the socket.
func (k Kind) StatusCode() int {
	switch k {
	case KindDomainDenied, KindPathDenied, KindMethodDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamConnect, KindCertificateError:
		return http.StatusBadGateway
	case KindConnectionLimit:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProtocolError:
		return http.StatusBadRequest
	case KindConfigError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured error carrying a Kind and optional attributes,
// used throughout the proxy instead of bare fmt.Errorf so the pipeline can
// recover a disposition from any error it receives.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a
// formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it
// wraps it as KindUnknown first.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindUnknown, Message: err.Error(), Underlying: err}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a
// perr.Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode is a convenience wrapper returning GetKind(err).StatusCode().
func StatusCode(err error) int {
	return GetKind(err).StatusCode()
}

// GetAttributes returns all attributes associated with the error and its
// chain of wrapped perr.Errors.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling Unwrap on err, if it has one.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
