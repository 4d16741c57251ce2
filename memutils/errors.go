package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfDeviceMemory indicates that no placement could be found for a request and the memory system
	// was not permitted (or was unable) to obtain more coarse blocks
	ErrOutOfDeviceMemory = cerrors.New("out of device memory")
	// ErrTooManyContendingAllocations indicates that an eviction-enabled allocation could not commit
	// because other threads kept touching its victims, and the retry budget ran out
	ErrTooManyContendingAllocations = cerrors.New("too many contending allocations")
	// ErrFeatureNotSupported indicates that the request asked for something the target pool or
	// block strategy does not do, such as upper-address allocations in a non-linear pool
	ErrFeatureNotSupported = cerrors.New("feature not supported")
	// ErrInvalidUsage indicates that the caller violated the contract of an operation
	ErrInvalidUsage = cerrors.New("invalid usage")
	// ErrCorruption indicates that a corruption-detection marker around an allocation was overwritten
	ErrCorruption = cerrors.New("memory corruption detected")
)

// InvalidUsagef produces an error marked with ErrInvalidUsage
func InvalidUsagef(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrInvalidUsage)
}

// NotSupportedf produces an error marked with ErrFeatureNotSupported
func NotSupportedf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrFeatureNotSupported)
}

// OutOfMemoryf produces an error that wraps ErrOutOfDeviceMemory
func OutOfMemoryf(format string, args ...any) error {
	return cerrors.Wrapf(ErrOutOfDeviceMemory, format, args...)
}

// Corruptionf produces an error that wraps ErrCorruption
func Corruptionf(format string, args ...any) error {
	return cerrors.Wrapf(ErrCorruption, format, args...)
}
