package hostdevice

import (
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

// CopyCommand is one recorded CopyMemory call
type CopyCommand struct {
	Src       device.Memory
	SrcOffset int
	Dst       device.Memory
	DstOffset int
	Size      int
}

// CommandStream is a device.CommandStream that records copies and carries them out when Execute
// is called. It is not safe for concurrent use.
type CommandStream struct {
	commands []CopyCommand
}

var _ device.CommandStream = &CommandStream{}

func (s *CommandStream) CopyMemory(src device.Memory, srcOffset int, dst device.Memory, dstOffset int, size int) {
	s.commands = append(s.commands, CopyCommand{
		Src:       src,
		SrcOffset: srcOffset,
		Dst:       dst,
		DstOffset: dstOffset,
		Size:      size,
	})
}

// Commands returns the copies recorded since the last Execute
func (s *CommandStream) Commands() []CopyCommand {
	return s.commands
}

// Execute performs every recorded copy in order and clears the stream
func (s *CommandStream) Execute() error {
	defer func() {
		s.commands = s.commands[:0]
	}()

	for _, command := range s.commands {
		src, srcOk := command.Src.(*Memory)
		dst, dstOk := command.Dst.(*Memory)
		if !srcOk || !dstOk {
			return memutils.InvalidUsagef("copy refers to memory that was not allocated by a hostdevice")
		}

		if command.SrcOffset < 0 || command.SrcOffset+command.Size > len(src.data) ||
			command.DstOffset < 0 || command.DstOffset+command.Size > len(dst.data) {
			return memutils.InvalidUsagef("copy of %d bytes from %d to %d is out of range", command.Size, command.SrcOffset, command.DstOffset)
		}

		copy(dst.data[command.DstOffset:command.DstOffset+command.Size], src.data[command.SrcOffset:command.SrcOffset+command.Size])
	}

	return nil
}
