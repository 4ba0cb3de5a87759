package gtfsrt

import (
	"testing"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func sampleTripUpdate() *TripUpdate {
	return &TripUpdate{
		Trip: TripDescriptor{
			TripID:               "223814541",
			RouteID:              "10684_700",
			DirectionID:          Ptr(uint32(0)),
			StartDate:            "20240627",
			ScheduleRelationship: Ptr(gtfs.TripDescriptor_SCHEDULED),
			RouteShortName:       "687",
		},
		StopTimeUpdates: []StopTimeUpdate{
			{
				StopSequence:         Ptr(uint32(1)),
				StopID:               "de:12063:900210771::1",
				ScheduleRelationship: Ptr(gtfs.TripUpdate_StopTimeUpdate_SCHEDULED),
				Departure: &StopTimeEvent{
					Time:                 Ptr(int64(1719487118)),
					Delay:                Ptr(int32(38)),
					ScheduledTimeISO8601: "2024-06-27T13:18:00+02:00",
				},
			},
		},
		FahrtID: "2024-06-27:13865-00024-1#HVG",
	}
}

func TestScheduledTime(t *testing.T) {
	e := &StopTimeEvent{Time: Ptr(int64(1719487118)), Delay: Ptr(int32(38))}
	ts, ok := e.ScheduledTime()
	assert.True(t, ok)
	assert.Equal(t, int64(1719487080), ts)
	assert.Equal(t, "2024-06-27T11:18:00Z", e.ScheduledISO8601())

	ts, ok = (&StopTimeEvent{Time: Ptr(int64(10))}).ScheduledTime()
	assert.True(t, ok)
	assert.Equal(t, int64(10), ts)

	var nilEvent *StopTimeEvent
	_, ok = nilEvent.ScheduledTime()
	assert.False(t, ok)
	assert.Equal(t, "", nilEvent.ScheduledISO8601())
}

func TestAsGTFS(t *testing.T) {
	g := sampleTripUpdate().AsGTFS()
	assert.Equal(t, "223814541", g.GetTrip().GetTripId())
	assert.Equal(t, "10684_700", g.GetTrip().GetRouteId())
	assert.Equal(t, uint32(0), g.GetTrip().GetDirectionId())
	assert.NotNil(t, g.GetTrip().DirectionId)
	assert.Equal(t, "20240627", g.GetTrip().GetStartDate())
	require.Len(t, g.GetStopTimeUpdate(), 1)
	stu := g.GetStopTimeUpdate()[0]
	assert.Equal(t, "de:12063:900210771::1", stu.GetStopId())
	assert.Nil(t, stu.Arrival)
	assert.Equal(t, int32(38), stu.GetDeparture().GetDelay())
	assert.Equal(t, int64(1719487118), stu.GetDeparture().GetTime())
}

func TestEncodeRoundTrip(t *testing.T) {
	u := sampleTripUpdate()

	b, err := Encode(u, Protobuf)
	require.NoError(t, err)
	var fromPB gtfs.TripUpdate
	require.NoError(t, proto.Unmarshal(b, &fromPB))
	assert.True(t, proto.Equal(u.AsGTFS(), &fromPB))

	b, err = Encode(u, ProtoJSON)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"trip_id"`)
	assert.NotContains(t, string(b), "687", "route short name must stay internal")
	var fromJSON gtfs.TripUpdate
	require.NoError(t, protojson.Unmarshal(b, &fromJSON))
	assert.True(t, proto.Equal(u.AsGTFS(), &fromJSON))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, ProtoJSON, f)

	f, err = ParseFormat("PROTOBUF")
	require.NoError(t, err)
	assert.Equal(t, Protobuf, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestTripUpdateSubject(t *testing.T) {
	for tripID, want := range map[string]string{
		"223814541":      "gtfsrt.tu.223814541",
		"1.T0.10-87-j24": "gtfsrt.tu.1__T0__10-87-j24",
		"a*b>c$d":        "gtfsrt.tu.a__b__c__d",
		"with space":     "gtfsrt.tu.with space",
	} {
		got, err := TripUpdateSubject(&TripUpdate{Trip: TripDescriptor{TripID: tripID}})
		require.NoError(t, err)
		assert.Equal(t, want, got, tripID)
	}

	_, err := TripUpdateSubject(&TripUpdate{})
	assert.ErrorIs(t, err, ErrNoTripID)
}
