package model

import (
	"fmt"
)

// NotFoundError is an error signaling that something was not found in the
// database
type NotFoundError string

// Error implements the error interface
func (e NotFoundError) Error() string {
	return string(e)
}

// NotFoundErrorFmt returns a NotFoundError from the passed format string and parameters
func NotFoundErrorFmt(format string, params ...any) NotFoundError {
	return NotFoundError(fmt.Sprintf(format, params...))
}

// AlreadyExistsError is an error signaling that a unique value (e.g. a
// username) is already taken
type AlreadyExistsError string

// Error implements the error interface
func (e AlreadyExistsError) Error() string {
	return string(e)
}

// AlreadyExistsErrorFmt returns an AlreadyExistsError from the passed format string and parameters
func AlreadyExistsErrorFmt(format string, params ...any) AlreadyExistsError {
	return AlreadyExistsError(fmt.Sprintf(format, params...))
}

// UnauthorizedError signals a missing or unknown credential
type UnauthorizedError string

// Error implements the error interface
func (e UnauthorizedError) Error() string {
	return string(e)
}

// ForbiddenError signals a valid credential without the required role
type ForbiddenError string

// Error implements the error interface
func (e ForbiddenError) Error() string {
	return string(e)
}

// InvalidPatternError signals a rule pattern that cannot be compiled
type InvalidPatternError string

// Error implements the error interface
func (e InvalidPatternError) Error() string {
	return string(e)
}

// InvalidPatternErrorFmt returns an InvalidPatternError from the passed format string and parameters
func InvalidPatternErrorFmt(format string, params ...any) InvalidPatternError {
	return InvalidPatternError(fmt.Sprintf(format, params...))
}

// ValidationError signals malformed input
type ValidationError string

// Error implements the error interface
func (e ValidationError) Error() string {
	return string(e)
}

// ValidationErrorFmt returns a ValidationError from the passed format string and parameters
func ValidationErrorFmt(format string, params ...any) ValidationError {
	return ValidationError(fmt.Sprintf(format, params...))
}

// InsufficientCreditsError signals that a charge would push a balance below
// the configured minimum
type InsufficientCreditsError struct {
	Balance int64
	Amount  int64
}

// Error implements the error interface
func (e InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Amount)
}
