package memutils_test

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
)

func TestDetailedStatisticsJSON(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 1024
	stats.AddAllocation(300)
	stats.AddUnusedRange(724)

	out, err := stats.MarshalJSON()
	require.NoError(t, err)
	require.True(t, json.Valid(out), string(out))
	require.JSONEq(t, `{"BlockCount":1,"BlockBytes":1024,"AllocationCount":1,"AllocationBytes":300,"UnusedRangeCount":1}`, string(out))

	stats.AddAllocation(100)
	stats.AddUnusedRange(24)
	out, err = stats.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"BlockCount":1,"BlockBytes":1024,"AllocationCount":2,"AllocationBytes":400,"UnusedRangeCount":2,
"AllocationSizeMin":100,"AllocationSizeMax":300,"UnusedRangeSizeMin":24,"UnusedRangeSizeMax":724}`, string(out))
}

func TestStatisticsJSONNested(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.AddAllocation(64)

	writer := jwriter.NewWriter()
	root := writer.Object()
	root.Name("Before").Int(1)
	inner := root.Name("Stats").Object()
	stats.WriteJSON(&inner)
	inner.End()
	root.Name("After").Int(2)
	root.End()
	require.NoError(t, writer.Error())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &decoded), string(writer.Bytes()))
	require.Equal(t, float64(1), decoded["Before"])
	require.Equal(t, float64(2), decoded["After"])
	require.Equal(t, float64(64), decoded["Stats"].(map[string]any)["AllocationBytes"])
	require.Equal(t, float64(0), decoded["Stats"].(map[string]any)["UnusedRangeCount"])
}
