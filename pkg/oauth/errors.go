// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"fmt"
	"net/http"
)

// Error codes returned in the "error" member of error response bodies.
// These are wire-level strings per RFC 6749 Section 5.2, extended with the
// agent-flow specific request_expired and not_found kinds.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeRequestExpired          = "request_expired"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeServerError             = "server_error"
)

// Error is an OAuth protocol error. It carries the wire-level error code, a
// human-readable description, and the HTTP status the endpoint should return.
type Error struct {
	// Code is the OAuth error code (e.g. "invalid_grant").
	Code string `json:"error"`

	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`

	// Status is the HTTP status code for this error. Not serialized.
	Status int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithDescription returns a copy of the error with a different description.
func (e *Error) WithDescription(format string, args ...any) *Error {
	return &Error{
		Code:        e.Code,
		Description: fmt.Sprintf(format, args...),
		Status:      e.Status,
	}
}

// Base protocol errors. Use WithDescription to attach context; the base
// values carry a generic description so they are safe to return as-is.
var (
	// ErrInvalidRequest indicates a malformed or incomplete request.
	ErrInvalidRequest = &Error{
		Code:        ErrorCodeInvalidRequest,
		Description: "The request is missing a required parameter or is otherwise malformed",
		Status:      http.StatusBadRequest,
	}

	// ErrInvalidClient indicates client authentication failed.
	ErrInvalidClient = &Error{
		Code:        ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Status:      http.StatusUnauthorized,
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is
	// invalid, expired, revoked, or was issued to another client.
	ErrInvalidGrant = &Error{
		Code:        ErrorCodeInvalidGrant,
		Description: "The provided authorization grant is invalid, expired, or revoked",
		Status:      http.StatusBadRequest,
	}

	// ErrUnsupportedGrantType indicates an unknown grant_type value.
	ErrUnsupportedGrantType = &Error{
		Code:        ErrorCodeUnsupportedGrantType,
		Description: "The authorization grant type is not supported",
		Status:      http.StatusBadRequest,
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code".
	ErrUnsupportedResponseType = &Error{
		Code:        ErrorCodeUnsupportedResponseType,
		Description: "Only the \"code\" response type is supported",
		Status:      http.StatusBadRequest,
	}

	// ErrRequestExpired indicates the authorization request's TTL has passed.
	ErrRequestExpired = &Error{
		Code:        ErrorCodeRequestExpired,
		Description: "The authorization request has expired",
		Status:      http.StatusBadRequest,
	}

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = &Error{
		Code:        ErrorCodeNotFound,
		Description: "The requested resource was not found",
		Status:      http.StatusNotFound,
	}

	// ErrServerError indicates an unexpected server-side condition. Details
	// are logged internally and never exposed to the caller.
	ErrServerError = &Error{
		Code:        ErrorCodeServerError,
		Description: "An unexpected error occurred",
		Status:      http.StatusInternalServerError,
	}
)
