package schema

import "errors"

var (
	// ErrProjectNotFound indicates an unknown project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrSessionNotFound indicates an unknown or stopped session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrFileNotFound indicates an unknown file within a project.
	ErrFileNotFound = errors.New("file not found")
	// ErrForbidden indicates the user lacks permission for the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidPath indicates a malformed or traversing path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrPayloadTooLarge indicates content exceeding the accepted size.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrExecutionBusy indicates the project's execution lock is held.
	ErrExecutionBusy = errors.New("execution already in progress")
	// ErrRateLimited indicates the project hit its run rate limit.
	ErrRateLimited = errors.New("run rate limit exceeded")
	// ErrExecutionTimeout indicates the run was killed at its deadline.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrExecutionFailed indicates the run could not be executed.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrInfrastructure indicates a sandbox runtime failure.
	ErrInfrastructure = errors.New("sandbox infrastructure failure")
)
