package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "GTFS_RT_1", Sequence: uint64(len(f.msgs))}, nil
}

type countingMetrics struct {
	published, errs, observed int
}

func (m *countingMetrics) NATSPublishedInc()            { m.published++ }
func (m *countingMetrics) NATSPublishErrInc()           { m.errs++ }
func (m *countingMetrics) PublishObserve(time.Duration) { m.observed++ }
func (m *countingMetrics) NATSSetConnected(bool) {}

func tripUpdate() *gtfsrt.TripUpdate {
	return &gtfsrt.TripUpdate{
		Trip: gtfsrt.TripDescriptor{
			TripID:  "1.T0.10-87",
			RouteID: "10684_700",
		},
		StopTimeUpdates: []gtfsrt.StopTimeUpdate{{
			StopSequence: gtfsrt.Ptr(uint32(0)),
			StopID:       "de:12063:900210771::1",
			Departure:    &gtfsrt.StopTimeEvent{Time: gtfsrt.Ptr(int64(1719487118)), Delay: gtfsrt.Ptr(int32(38))},
		}},
	}
}

func TestPublishTripUpdateJSON(t *testing.T) {
	js := &fakeJetStream{}
	m := &countingMetrics{}
	p := NewTripUpdatePublisher(js, gtfsrt.ProtoJSON, true, m, zerolog.Nop())

	require.NoError(t, p.PublishTripUpdate(context.Background(), tripUpdate()))
	require.Len(t, js.msgs, 1)
	msg := js.msgs[0]
	assert.Equal(t, "gtfsrt.tu.1__T0__10-87", msg.Subject)
	assert.Equal(t, "application/json", msg.Header.Get("Content-Type"))

	var got gtfs.TripUpdate
	require.NoError(t, protojson.Unmarshal(msg.Data, &got))
	assert.Equal(t, "1.T0.10-87", got.GetTrip().GetTripId())
	assert.Equal(t, int32(38), got.GetStopTimeUpdate()[0].GetDeparture().GetDelay())
	assert.Contains(t, string(msg.Data), `"stop_time_update"`)

	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
	assert.Zero(t, m.errs)
}

func TestPublishTripUpdateProtobuf(t *testing.T) {
	js := &fakeJetStream{}
	p := NewTripUpdatePublisher(js, gtfsrt.Protobuf, false, nil, zerolog.Nop())

	require.NoError(t, p.PublishTripUpdate(context.Background(), tripUpdate()))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "application/x-protobuf", js.msgs[0].Header.Get("Content-Type"))

	var got gtfs.TripUpdate
	require.NoError(t, proto.Unmarshal(js.msgs[0].Data, &got))
	assert.Equal(t, "de:12063:900210771::1", got.GetStopTimeUpdate()[0].GetStopId())
}

func TestPublishTripUpdateErrors(t *testing.T) {
	js := &fakeJetStream{err: errors.New("nats: timeout")}
	m := &countingMetrics{}
	p := NewTripUpdatePublisher(js, gtfsrt.ProtoJSON, false, m, zerolog.Nop())

	err := p.PublishTripUpdate(context.Background(), tripUpdate())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gtfsrt.tu.1__T0__10-87")
	assert.Equal(t, 1, m.errs)
	assert.Zero(t, m.published)

	err = p.PublishTripUpdate(context.Background(), &gtfsrt.TripUpdate{})
	assert.ErrorIs(t, err, gtfsrt.ErrNoTripID)
	assert.Equal(t, 1, m.errs, "not attempted")
}
