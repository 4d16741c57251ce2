package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsPow2 returns true if value is a nonzero power of two
func IsPow2[T Number](value T) bool {
	return value != 0 && value&(value-1) == 0
}

// NextPow2 returns the smallest power of two greater than or equal to value
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(value-1))
}

// PrevPow2 returns the largest power of two less than or equal to value, or 0 if value is 0
func PrevPow2(value int) int {
	if value <= 0 {
		return 0
	}
	return 1 << (bits.Len(uint(value)) - 1)
}

// Log2 returns the index of the highest set bit in value, or -1 if value is 0
func Log2(value int) int {
	return bits.Len(uint(value)) - 1
}
