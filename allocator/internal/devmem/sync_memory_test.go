package devmem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestMapReferences(t *testing.T) {
	dev := newTestDevice(t, false)
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.NoError(t, err)

	mem, err := props.AllocateDeviceMemory(1, 256)
	require.NoError(t, err)

	ptr, err := mem.Map(dev, 1)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	second, err := mem.Map(dev, 1)
	require.NoError(t, err)
	require.Equal(t, ptr, second)
	require.Equal(t, 2, mem.References())
	require.Equal(t, 1, dev.MappedCount())

	require.NoError(t, mem.Unmap(dev, 1))
	require.Equal(t, 1, dev.MappedCount())
	require.NoError(t, mem.Unmap(dev, 1))
	require.Equal(t, 0, dev.MappedCount())
	require.Nil(t, mem.MappedData())

	_, err = mem.Map(dev, 1)
	require.NoError(t, err)
	require.Error(t, mem.Unmap(dev, 2))

	props.FreeDeviceMemory(1, mem)
	require.Equal(t, 0, dev.MappedCount())
	require.Equal(t, 0, dev.LiveBlockCount())
}

func TestMapHysteresis(t *testing.T) {
	dev := newTestDevice(t, false)
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.NoError(t, err)

	mem, err := props.AllocateDeviceMemory(1, 256)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = mem.Map(dev, 1)
		require.NoError(t, err)
		require.NoError(t, mem.Unmap(dev, 1))
	}
	require.Equal(t, 0, dev.MappedCount())

	// The seventh map event switches to a persistent mapping
	_, err = mem.Map(dev, 1)
	require.NoError(t, err)
	require.NoError(t, mem.Unmap(dev, 1))
	require.Equal(t, 1, dev.MappedCount())
	require.Equal(t, 1, mem.References())

	// Enough allocation traffic drops it again
	for i := 0; i < int(MapDelay); i++ {
		mem.RecordSuballocSubfree(dev)
	}
	require.Equal(t, 0, dev.MappedCount())
	require.Equal(t, 0, mem.References())
}
