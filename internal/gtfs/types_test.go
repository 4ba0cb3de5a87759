package gtfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGTFSRTStartDate(t *testing.T) {
	assert.Equal(t, "20240915", ScheduleStopTime{Date: "2024-09-15"}.GTFSRTStartDate())
	assert.Equal(t, "", ScheduleStopTime{}.GTFSRTStartDate())
}

func TestFrequencyBased(t *testing.T) {
	zero, minusOne := 0, -1
	assert.False(t, ScheduleStopTime{}.FrequencyBased())
	assert.False(t, ScheduleStopTime{FrequenciesRow: &minusOne}.FrequencyBased())
	assert.True(t, ScheduleStopTime{FrequenciesRow: &zero}.FrequencyBased())
}

func TestSameInstance(t *testing.T) {
	a := ScheduleStopTime{TripID: "1", Date: "2024-06-27"}
	assert.True(t, a.SameInstance(ScheduleStopTime{TripID: "1", Date: "2024-06-27", StopSequence: 3}))
	assert.False(t, a.SameInstance(ScheduleStopTime{TripID: "1", Date: "2024-06-28"}))
	assert.False(t, a.SameInstance(ScheduleStopTime{TripID: "2", Date: "2024-06-27"}))
}
