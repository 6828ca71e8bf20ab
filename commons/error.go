package commons

import (
	"errors"
	"fmt"
)

// SourceUnreadableError contains source unreadable error information.
// The source is missing, cannot be opened, or carries no recognizable image header.
type SourceUnreadableError struct {
	SourceID string
	Cause    error
}

// NewSourceUnreadableError creates an error for source unreadable error
func NewSourceUnreadableError(sourceID string, cause error) error {
	return &SourceUnreadableError{
		SourceID: sourceID,
		Cause:    cause,
	}
}

// Error returns error message
func (err *SourceUnreadableError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("source '%s' is unreadable - %v", err.SourceID, err.Cause)
	}
	return fmt.Sprintf("source '%s' is unreadable", err.SourceID)
}

// Is tests type of error
func (err *SourceUnreadableError) Is(other error) bool {
	_, ok := other.(*SourceUnreadableError)
	return ok
}

// Unwrap returns the cause
func (err *SourceUnreadableError) Unwrap() error {
	return err.Cause
}

// ToString stringifies the object
func (err *SourceUnreadableError) ToString() string {
	return "<SourceUnreadableError>"
}

// IsSourceUnreadableError evaluates if the given error is source unreadable error
func IsSourceUnreadableError(err error) bool {
	return errors.Is(err, &SourceUnreadableError{})
}

// DecodeFailedError contains decode failure information.
// The source bytes are corrupt, or the decode does not fit in the decode memory budget.
type DecodeFailedError struct {
	SourceID   string
	SampleSize int
	Cause      error
}

// NewDecodeFailedError creates an error for decode failed error
func NewDecodeFailedError(sourceID string, sampleSize int, cause error) error {
	return &DecodeFailedError{
		SourceID:   sourceID,
		SampleSize: sampleSize,
		Cause:      cause,
	}
}

// Error returns error message
func (err *DecodeFailedError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("failed to decode source '%s' at sample size %d - %v", err.SourceID, err.SampleSize, err.Cause)
	}
	return fmt.Sprintf("failed to decode source '%s' at sample size %d", err.SourceID, err.SampleSize)
}

// Is tests type of error
func (err *DecodeFailedError) Is(other error) bool {
	_, ok := other.(*DecodeFailedError)
	return ok
}

// Unwrap returns the cause
func (err *DecodeFailedError) Unwrap() error {
	return err.Cause
}

// ToString stringifies the object
func (err *DecodeFailedError) ToString() string {
	return "<DecodeFailedError>"
}

// IsDecodeFailedError evaluates if the given error is decode failed error
func IsDecodeFailedError(err error) bool {
	return errors.Is(err, &DecodeFailedError{})
}

// DiskIOError contains disk cache I/O error information. It is never fatal to a request.
type DiskIOError struct {
	Path  string
	Cause error
}

// NewDiskIOError creates an error for disk I/O error
func NewDiskIOError(path string, cause error) error {
	return &DiskIOError{
		Path:  path,
		Cause: cause,
	}
}

// Error returns error message
func (err *DiskIOError) Error() string {
	return fmt.Sprintf("disk cache I/O error on '%s' - %v", err.Path, err.Cause)
}

// Is tests type of error
func (err *DiskIOError) Is(other error) bool {
	_, ok := other.(*DiskIOError)
	return ok
}

// Unwrap returns the cause
func (err *DiskIOError) Unwrap() error {
	return err.Cause
}

// ToString stringifies the object
func (err *DiskIOError) ToString() string {
	return "<DiskIOError>"
}

// IsDiskIOError evaluates if the given error is disk I/O error
func IsDiskIOError(err error) bool {
	return errors.Is(err, &DiskIOError{})
}

// DiskCorruptionError contains disk cache corruption information.
// Callers treat it exactly like a cache miss.
type DiskCorruptionError struct {
	Key    string
	Reason string
}

// NewDiskCorruptionError creates an error for disk corruption error
func NewDiskCorruptionError(key string, reason string) error {
	return &DiskCorruptionError{
		Key:    key,
		Reason: reason,
	}
}

// Error returns error message
func (err *DiskCorruptionError) Error() string {
	return fmt.Sprintf("disk cache entry '%s' is corrupted - %s", err.Key, err.Reason)
}

// Is tests type of error
func (err *DiskCorruptionError) Is(other error) bool {
	_, ok := other.(*DiskCorruptionError)
	return ok
}

// ToString stringifies the object
func (err *DiskCorruptionError) ToString() string {
	return "<DiskCorruptionError>"
}

// IsDiskCorruptionError evaluates if the given error is disk corruption error
func IsDiskCorruptionError(err error) bool {
	return errors.Is(err, &DiskCorruptionError{})
}
