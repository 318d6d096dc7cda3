package workspace

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrSnapshotUnavailable reports that a workspace has no merged snapshot
// bytes cached yet, so there is nothing to compact.
var ErrSnapshotUnavailable = errors.New("no merged snapshot bytes available yet")

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingWorkspaceID   = errors.New("workspace identifier is required")
	errMissingUserID        = errors.New("user identifier is required")
	errMissingSnapshotBytes = errors.New("snapshot payload is required")
	errMissingUpdateStore   = errors.New("update store is required")
	errMissingSnapshotStore = errors.New("snapshot store is required")
	errMissingStateCache    = errors.New("state cache is required")
	errWriterClosed         = errors.New("update writer is closed")
)

// ServiceError carries a stable op.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the op.reason identifier for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(logger *zap.Logger, operation, reason string, cause error, fields ...zap.Field) {
	combined := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause),
	}, fields...)
	logger.Error("workspace operation failed", combined...)
}
