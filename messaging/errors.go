// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// MatrixError represents a structured error response from the Matrix homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_NOT_FOUND").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden            = "M_FORBIDDEN"
	ErrCodeUnknownToken         = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound             = "M_NOT_FOUND"
	ErrCodeLimitExceeded        = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized         = "M_UNRECOGNIZED"
	ErrCodeUnknown              = "M_UNKNOWN"
	ErrCodeInvalidParam         = "M_INVALID_PARAM"
	ErrCodeMissingParam         = "M_MISSING_PARAM"
	ErrCodeWrongRoomKeysVersion = "M_WRONG_ROOM_KEYS_VERSION"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsNotFound checks whether err is a Matrix M_NOT_FOUND error. The key
// backup API returns this for sessions that were never backed up, which
// callers treat as a miss rather than a failure.
func IsNotFound(err error) bool {
	return IsMatrixError(err, ErrCodeNotFound)
}
