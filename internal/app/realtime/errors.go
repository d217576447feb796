package realtime

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotFound    = errors.New("realtime: document not found")
	ErrEmptyBatch  = errors.New("realtime: batch has no operations")
	ErrInvalidOp   = errors.New("realtime: invalid batch operation")
	ErrNotVerified = errors.New("realtime: token verifier not configured")
)

// Unauthenticated builds the error returned when no valid session exists.
func Unauthenticated(msg string) error {
	return status.Error(codes.Unauthenticated, msg)
}

// PermissionDenied builds the error returned when a token is rejected.
func PermissionDenied(msg string) error {
	return status.Error(codes.PermissionDenied, msg)
}

// IsAuthError reports whether err means the credential is missing, expired or
// rejected. Wrapped status errors are recognised too.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	default:
		return false
	}
}
