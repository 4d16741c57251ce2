package utils

import (
	"math/bits"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping names the individual bits of a bitflag type
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

// Register names a single bit
func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

// FlagsToString joins the names of every set bit with '|'. Bits without a name are written
// in hex.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint64(value)
	for remaining != 0 {
		bit := T(1) << bits.TrailingZeros64(remaining)
		remaining &^= uint64(bit)

		if sb.Len() > 0 {
			sb.WriteByte('|')
		}

		name, ok := m.names[bit]
		if ok {
			sb.WriteString(name)
		} else {
			sb.WriteString("0x")
			sb.WriteString(strconv.FormatUint(uint64(bit), 16))
		}
	}

	return sb.String()
}
