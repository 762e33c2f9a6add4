// Package errors associates process exit codes with error values so
// command line tools can exit with a code that identifies the failure.
package errors

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// GetExitCode extracts the exit code carried by err.  Errors without one
// map to CouldNotExecExitCode so callers always exit nonzero on failure.
func GetExitCode(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok {
		return e.GetExitCode()
	}
	return CouldNotExecExitCode
}
