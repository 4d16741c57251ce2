package devmem

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostdevice"
	"github.com/vkngwrapper/suballoc/memutils"
	"golang.org/x/exp/slog"
)

type recordingCallbacks struct {
	allocated []int
	freed     []int
}

func (c *recordingCallbacks) Allocate(memoryType int, memory device.Memory, size int) {
	c.allocated = append(c.allocated, size)
}

func (c *recordingCallbacks) Free(memoryType int, memory device.Memory, size int) {
	c.freed = append(c.freed, size)
}

func newTestDevice(t *testing.T, reportBudget bool) *hostdevice.Device {
	props := hostdevice.DefaultProperties()
	props.MemoryHeaps[0].Size = 10000
	props.MemoryHeaps[1].Size = 10000
	dev, err := hostdevice.New(hostdevice.Options{Properties: props, ReportBudget: reportBudget})
	require.NoError(t, err)
	return dev
}

func TestHeapLimits(t *testing.T) {
	dev := newTestDevice(t, false)
	callbacks := &recordingCallbacks{}

	_, err := NewDeviceMemoryProperties(slog.Default(), true, callbacks, dev, []int{100})
	require.True(t, cerrors.Is(err, memutils.ErrInvalidUsage))

	props, err := NewDeviceMemoryProperties(slog.Default(), true, callbacks, dev, []int{1000, 0})
	require.NoError(t, err)
	require.Equal(t, 1000, props.HeapLimit(0))
	require.Equal(t, 10000, props.HeapLimit(1))

	mem, err := props.AllocateDeviceMemory(0, 800)
	require.NoError(t, err)
	_, err = props.AllocateDeviceMemory(0, 300)
	require.True(t, cerrors.Is(err, memutils.ErrOutOfDeviceMemory))
	require.Equal(t, 1, props.AllocationCount())

	props.FreeDeviceMemory(0, mem)
	require.Equal(t, 0, props.AllocationCount())
	require.Equal(t, []int{800}, callbacks.allocated)
	require.Equal(t, []int{800}, callbacks.freed)

	budget := props.HeapBudget(0)
	require.Equal(t, memutils.Statistics{}, budget.Statistics)
}

func TestDeviceFailureRollsBack(t *testing.T) {
	dev := newTestDevice(t, false)
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.NoError(t, err)

	dev.FailNextAllocations(1)
	_, err = props.AllocateDeviceMemory(1, 500)
	require.True(t, cerrors.Is(err, memutils.ErrOutOfDeviceMemory))

	require.Equal(t, 0, props.AllocationCount())
	require.Equal(t, 0, props.HeapBudget(1).Statistics.BlockBytes)
}

func TestAllocationCounters(t *testing.T) {
	dev := newTestDevice(t, false)
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.NoError(t, err)

	_, err = props.AllocateDeviceMemory(1, 4000)
	require.NoError(t, err)
	props.AddAllocation(1, 100)
	props.AddAllocation(1, 300)
	props.RemoveAllocation(1, 100)

	budgets := make([]Budget, 2)
	props.HeapBudgets(0, budgets)
	require.Equal(t, Budget{Budget: 8000}, budgets[0])
	require.Equal(t, Budget{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			AllocationCount: 1,
			BlockBytes:      4000,
			AllocationBytes: 300,
		},
		Usage:  4000,
		Budget: 8000,
	}, budgets[1])

	require.Panics(t, func() {
		props.RemoveAllocation(0, 1)
	})
}

func TestBudgetRefresh(t *testing.T) {
	dev := newTestDevice(t, true)
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.NoError(t, err)
	require.NotNil(t, props.Capabilities().Budget)

	// A block the allocator does not know about
	_, err = dev.AllocateMemory(1, 2000)
	require.NoError(t, err)

	mem, err := props.AllocateDeviceMemory(1, 1000)
	require.NoError(t, err)

	// Usage is the stale device number plus local block growth since the fetch
	require.Equal(t, 1000, props.HeapBudget(1).Usage)

	props.UpdateBudget()
	require.Equal(t, 3000, props.HeapBudget(1).Usage)
	require.Equal(t, 8000, props.HeapBudget(1).Budget)

	// Refreshes happen on their own after enough block operations
	_, err = dev.AllocateMemory(1, 500)
	require.NoError(t, err)

	for i := 0; i < int(BudgetRefreshOperations)/2-1; i++ {
		props.FreeDeviceMemory(1, mem)
		mem, err = props.AllocateDeviceMemory(1, 1000)
		require.NoError(t, err)
	}
	require.Equal(t, 3000, props.HeapBudget(1).Usage)

	props.FreeDeviceMemory(1, mem)
	_, err = props.AllocateDeviceMemory(1, 1000)
	require.NoError(t, err)
	require.Equal(t, 3500, props.HeapBudget(1).Usage)
}

func TestCapabilities(t *testing.T) {
	caps := ProbeCapabilities(newTestDevice(t, false))
	require.Nil(t, caps.Budget)
	require.True(t, caps.NonCoherentMemory)
	require.False(t, caps.UnifiedMemory)

	caps = ProbeCapabilities(newTestDevice(t, true))
	require.NotNil(t, caps.Budget)
}

func TestMinimumAlignment(t *testing.T) {
	props, err := NewDeviceMemoryProperties(slog.Default(), true, nil, newTestDevice(t, false), nil)
	require.NoError(t, err)

	require.Equal(t, uint(1), props.MemoryTypeMinimumAlignment(0))
	require.Equal(t, uint(1), props.MemoryTypeMinimumAlignment(1))
	require.Equal(t, uint(64), props.MemoryTypeMinimumAlignment(2))
	require.True(t, props.IsMemoryTypeHostNonCoherent(2))
	require.False(t, props.IsMemoryTypeHostVisible(0))
	require.Equal(t, uint32(0xf), props.CalculateGlobalMemoryTypeBits())
}

func TestBadGranularity(t *testing.T) {
	deviceProps := hostdevice.DefaultProperties()
	deviceProps.BufferImageGranularity = 3
	dev, err := hostdevice.New(hostdevice.Options{Properties: deviceProps})
	require.NoError(t, err)

	_, err = NewDeviceMemoryProperties(slog.Default(), true, nil, dev, nil)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}
