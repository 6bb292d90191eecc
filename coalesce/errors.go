package coalesce

import (
	"errors"
	"fmt"
)

// ExitCode represents categorized error codes
type ExitCode int

const (
	ExitCodeAssertionFailure ExitCode = 1
	ExitCodeShortRead        ExitCode = 3
	ExitCodeUnsupported4Colors ExitCode = 4
	ExitCodeCoefficientOutOfRange ExitCode = 6
	ExitCodeStreamInconsistent ExitCode = 7
	ExitCodeProgressiveUnsupported ExitCode = 8
	ExitCodeSamplingBeyondTwoUnsupported ExitCode = 10
	ExitCodeVersionUnsupported ExitCode = 13
	ExitCodeOsError ExitCode = 33
	ExitCodeUnsupportedJpeg ExitCode = 42
	ExitCodeUnsupportedJpegWithZeroIdct0 ExitCode = 43
	ExitCodeInvalidResetCode ExitCode = 44
	ExitCodeInvalidPadding ExitCode = 45
	ExitCodeBadCoalesceFile ExitCode = 102
	ExitCodeChannelFailure ExitCode = 103
	ExitCodeIntegerCastOverflow ExitCode = 1000
	ExitCodeVerificationLengthMismatch ExitCode = 1004
	ExitCodeVerificationContentMismatch ExitCode = 1005
	ExitCodeSyntaxError ExitCode = 1006
	ExitCodeFileNotFound ExitCode = 1007
	ExitCodeExternalVerificationFailed ExitCode = 1008
	ExitCodeOutOfMemory ExitCode = 2000
)

func (e ExitCode) String() string {
	switch e {
	case ExitCodeAssertionFailure:
		return "AssertionFailure"
	case ExitCodeShortRead:
		return "ShortRead"
	case ExitCodeUnsupported4Colors:
		return "Unsupported4Colors"
	case ExitCodeCoefficientOutOfRange:
		return "CoefficientOutOfRange"
	case ExitCodeStreamInconsistent:
		return "StreamInconsistent"
	case ExitCodeProgressiveUnsupported:
		return "ProgressiveUnsupported"
	case ExitCodeSamplingBeyondTwoUnsupported:
		return "SamplingBeyondTwoUnsupported"
	case ExitCodeVersionUnsupported:
		return "VersionUnsupported"
	case ExitCodeOsError:
		return "OsError"
	case ExitCodeUnsupportedJpeg:
		return "UnsupportedJpeg"
	case ExitCodeUnsupportedJpegWithZeroIdct0:
		return "UnsupportedJpegWithZeroIdct0"
	case ExitCodeInvalidResetCode:
		return "InvalidResetCode"
	case ExitCodeInvalidPadding:
		return "InvalidPadding"
	case ExitCodeBadCoalesceFile:
		return "BadCoalesceFile"
	case ExitCodeChannelFailure:
		return "ChannelFailure"
	case ExitCodeIntegerCastOverflow:
		return "IntegerCastOverflow"
	case ExitCodeVerificationLengthMismatch:
		return "VerificationLengthMismatch"
	case ExitCodeVerificationContentMismatch:
		return "VerificationContentMismatch"
	case ExitCodeSyntaxError:
		return "SyntaxError"
	case ExitCodeFileNotFound:
		return "FileNotFound"
	case ExitCodeExternalVerificationFailed:
		return "ExternalVerificationFailed"
	case ExitCodeOutOfMemory:
		return "OutOfMemory"
	default:
		return fmt.Sprintf("ExitCode(%d)", int(e))
	}
}

// CoalesceError represents an error from Coalesce processing
type CoalesceError struct {
	Code    ExitCode
	Message string
}

func (e *CoalesceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCoalesceError creates a new CoalesceError
func NewCoalesceError(code ExitCode, message string) *CoalesceError {
	return &CoalesceError{Code: code, Message: message}
}

// ErrExitCode creates a CoalesceError and returns it
func ErrExitCode(code ExitCode, message string) error {
	return &CoalesceError{Code: code, Message: message}
}

// IsCoalesceError checks if an error is a CoalesceError and returns it
func IsCoalesceError(err error) (*CoalesceError, bool) {
	var lepErr *CoalesceError
	if errors.As(err, &lepErr) {
		return lepErr, true
	}
	return nil, false
}

// Common errors
var (
	ErrShortRead = &CoalesceError{Code: ExitCodeShortRead, Message: "short read"}
	ErrStreamInconsistent = &CoalesceError{Code: ExitCodeStreamInconsistent, Message: "stream inconsistent"}
	ErrBadCoalesceFile = &CoalesceError{Code: ExitCodeBadCoalesceFile, Message: "bad coalesce file"}
)
