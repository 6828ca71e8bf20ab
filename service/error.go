package service

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	taskCancelledError  error = xerrors.New("task cancelled")
	serverReleasedError error = xerrors.New("server is released")
)

// NewTaskCancelledError creates an error for task cancelled error
func NewTaskCancelledError() error {
	return taskCancelledError
}

// IsTaskCancelledError evaluates if the given error is task cancelled error
func IsTaskCancelledError(err error) bool {
	return errors.Is(err, taskCancelledError)
}

// NewServerReleasedError creates an error for server released error
func NewServerReleasedError() error {
	return serverReleasedError
}

// IsServerReleasedError evaluates if the given error is server released error
func IsServerReleasedError(err error) bool {
	return errors.Is(err, serverReleasedError)
}
