package dec

import (
	"errors"
	"fmt"
)

// ConversionError reports a raw value that cannot be parsed into an exact
// decimal. It is fatal for the reading that carried the value; the caller
// must surface it rather than coerce to zero.
type ConversionError struct {
	// Raw is the offending input as received.
	Raw string

	// Err is the underlying parse error, if any.
	Err error
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot convert %q to decimal: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("cannot convert %q to decimal", e.Raw)
}

// Unwrap returns the underlying parse error.
func (e *ConversionError) Unwrap() error {
	return e.Err
}

// DivisionByZeroError reports a formula whose denominator is the
// spreadsheet-blank-equivalent zero. The affected derived value is undefined,
// not zero, and must be excluded from aggregation.
type DivisionByZeroError struct {
	// Numerator is the dividend at the point of failure, for diagnostics.
	Numerator string
}

// Error implements the error interface.
func (e *DivisionByZeroError) Error() string {
	return fmt.Sprintf("division by zero (numerator %s)", e.Numerator)
}

// IsConversionError reports whether err is (or wraps) a ConversionError.
func IsConversionError(err error) bool {
	var ce *ConversionError
	return errors.As(err, &ce)
}

// IsDivisionByZero reports whether err is (or wraps) a DivisionByZeroError.
func IsDivisionByZero(err error) bool {
	var de *DivisionByZeroError
	return errors.As(err, &de)
}
