package memutils

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// WriteJSON populates a json object with the contents of this Statistics
func (s *Statistics) WriteJSON(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

// WriteJSON populates a json object with the contents of this DetailedStatistics. The min/max
// fields are omitted when there is nothing for them to describe.
func (s *DetailedStatistics) WriteJSON(json *jwriter.ObjectState) {
	s.Statistics.WriteJSON(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}

// MarshalJSON encodes the statistics as a flat json object
func (s DetailedStatistics) MarshalJSON() ([]byte, error) {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	s.WriteJSON(&obj)
	obj.End()
	return writer.Bytes(), writer.Error()
}
