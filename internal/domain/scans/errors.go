package scans

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget means the source reference could not be parsed.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrTargetNotFound means the remote repository or workflow does not exist.
	ErrTargetNotFound = errors.New("target not found")
	// ErrDispatchUnavailable means the remote trigger API could not be reached.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
	// ErrDispatchFailed means every dispatch attempt failed.
	ErrDispatchFailed = errors.New("dispatch failed")
	ErrScanNotFound   = errors.New("scan not found")
	// ErrInvalidCallback means the callback body is malformed.
	ErrInvalidCallback = errors.New("invalid callback")
	ErrPersistence     = errors.New("persistence error")
)

// DispatchError is returned once dispatch attempts are exhausted.
type DispatchError struct {
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }
