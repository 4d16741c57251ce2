package memutils_test

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
)

func TestAlign(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 16))
	require.Equal(t, 16, memutils.AlignUp(1, 16))
	require.Equal(t, 16, memutils.AlignUp(16, 16))
	require.Equal(t, 32, memutils.AlignUp(17, 16))
	require.Equal(t, 16, memutils.AlignDown(31, 16))
	require.Equal(t, 7, memutils.AlignUp(7, 1))
}

func TestPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(64, "value"))
	err := memutils.CheckPow2(48, "value")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	require.True(t, memutils.IsPow2(1))
	require.False(t, memutils.IsPow2(0))
	require.False(t, memutils.IsPow2(uint(12)))

	require.Equal(t, 128, memutils.NextPow2(100))
	require.Equal(t, 128, memutils.NextPow2(128))
	require.Equal(t, 1, memutils.NextPow2(0))
	require.Equal(t, 1024, memutils.PrevPow2(1500))
	require.Equal(t, 1024, memutils.PrevPow2(1024))
	require.Equal(t, 0, memutils.PrevPow2(0))
	require.Equal(t, 10, memutils.Log2(1024))
	require.Equal(t, -1, memutils.Log2(0))
}

func TestErrorKinds(t *testing.T) {
	err := memutils.InvalidUsagef("size %d", 0)
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))
	require.False(t, errors.Is(err, memutils.ErrOutOfDeviceMemory))

	err = errors.Wrap(memutils.OutOfMemoryf("heap %d", 1), "outer")
	require.True(t, errors.Is(err, memutils.ErrOutOfDeviceMemory))

	require.True(t, errors.Is(memutils.NotSupportedf("upper address"), memutils.ErrFeatureNotSupported))
	require.True(t, errors.Is(memutils.Corruptionf("offset %d", 4), memutils.ErrCorruption))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 1024
	stats.AddAllocation(300)
	stats.AddAllocation(100)
	stats.AddUnusedRange(624)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddAllocation(50)
	other.AddUnusedRange(10)
	stats.AddDetailedStatistics(&other)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 450, stats.AllocationBytes)
	require.Equal(t, 50, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 10, stats.UnusedRangeSizeMin)
	require.Equal(t, 624, stats.UnusedRangeSizeMax)

	data, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, 1024, decoded["BlockBytes"])
	require.Equal(t, 450, decoded["AllocationBytes"])
	require.Equal(t, 624, decoded["UnusedRangeSizeMax"])
}
