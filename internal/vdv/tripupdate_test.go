package vdv

import (
	"testing"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdv-gtfsrt-matcher/internal/failure"
	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

func TestFormatTripUpdate(t *testing.T) {
	f := &Fahrt{
		Zst:        "2024-06-27T14:30:00Z",
		LinienText: "687",
		FahrtID:    &FahrtID{FahrtBezeichner: "9325_877_8_2_19_1_1806#BVG", Betriebstag: "2024-06-27"},
		UmlaufID:   "31003",
		IstHalts: []Halt{
			{
				HaltID:             "ODEG_900210771",
				Abfahrtszeit:       "2024-06-27T16:38:00+02:00",
				IstAbfahrtPrognose: "2024-06-27T14:37:20Z",
			},
			{
				HaltID:       "de:12063:900210772",
				Ankunftszeit: "2024-06-27T16:45:00+02:00",
				Durchfahrt:   "true",
			},
		},
	}
	u, err := FormatTripUpdate(f)
	require.NoError(t, err)

	assert.Equal(t, "687", u.Trip.RouteShortName)
	assert.Empty(t, u.Trip.TripID)
	assert.Nil(t, u.Trip.ScheduleRelationship)
	assert.Equal(t, "9325_877_8_2_19_1_1806#BVG", u.FahrtID)
	assert.Equal(t, "31003", u.UmlaufID)
	require.NotNil(t, u.Timestamp)
	assert.Equal(t, uint64(1719498600), *u.Timestamp)

	require.Len(t, u.StopTimeUpdates, 2)
	first := u.StopTimeUpdates[0]
	assert.Equal(t, "900210771", first.StopID)
	assert.Nil(t, first.Arrival)
	assert.Nil(t, first.ScheduleRelationship)
	require.NotNil(t, first.Departure)
	assert.Equal(t, int64(1719499040), *first.Departure.Time)
	assert.Equal(t, int32(-40), *first.Departure.Delay)
	assert.Equal(t, "2024-06-27T14:37:20Z", first.Departure.TimeISO8601)
	assert.Equal(t, "2024-06-27T16:38:00+02:00", first.Departure.ScheduledISO8601())
	sched, ok := first.Departure.ScheduledTime()
	require.True(t, ok)
	assert.Equal(t, int64(1719499080), sched)

	second := u.StopTimeUpdates[1]
	assert.Equal(t, "de:12063:900210772", second.StopID)
	assert.Nil(t, second.Departure)
	require.NotNil(t, second.Arrival)
	assert.Equal(t, int64(1719499500), *second.Arrival.Time)
	assert.Nil(t, second.Arrival.Delay)
	assert.Equal(t, gtfsrt.Ptr(gtfs.TripUpdate_StopTimeUpdate_SKIPPED), second.ScheduleRelationship)
}

func TestFormatTripUpdateCanceled(t *testing.T) {
	u, err := FormatTripUpdate(&Fahrt{
		FaelltAus: "true",
		SollHalts: []Halt{{HaltID: "A", Abfahrtszeit: "2024-06-27T16:38:00+02:00"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gtfsrt.Ptr(gtfs.TripDescriptor_CANCELED), u.Trip.ScheduleRelationship)
	assert.Nil(t, u.Timestamp)
	require.Len(t, u.StopTimeUpdates, 1)
	assert.Equal(t, "A", u.StopTimeUpdates[0].StopID)
}

func TestFormatTripUpdateRejectsInvalidTimes(t *testing.T) {
	for _, h := range []Halt{
		{HaltID: "A", Abfahrtszeit: "16:38"},
		{HaltID: "A", Ankunftszeit: "2024-06-27T16:38:00+02:00", IstAnkunftPrognose: "soon"},
	} {
		_, err := FormatTripUpdate(&Fahrt{IstHalts: []Halt{h}})
		require.Error(t, err)
		assert.Equal(t, failure.InvalidInput, failure.KindOf(err))
	}
}

func TestFormatStopTimeEventRoundsDelay(t *testing.T) {
	e, err := formatStopTimeEvent("2024-06-27T16:38:00+02:00", "2024-06-27T16:38:29.6+02:00")
	require.NoError(t, err)
	assert.Equal(t, int32(30), *e.Delay)

	e, err = formatStopTimeEvent("", "2024-06-27T16:38:29+02:00")
	require.NoError(t, err)
	assert.Nil(t, e)
}
