package match

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdv-gtfsrt-matcher/internal/cache"
	"vdv-gtfsrt-matcher/internal/failure"
	"vdv-gtfsrt-matcher/internal/gtfs"
)

type fakeStationWeightSource struct {
	rows  map[string][]gtfs.StationWeight
	err   error
	calls int
}

func (f *fakeStationWeightSource) StationWeights(_ context.Context, localStationID string) ([]gtfs.StationWeight, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[localStationID], nil
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func newStationWeightCache(rdb redis.UniversalClient) *cache.Cache {
	return cache.New(rdb, cache.Options{Name: "station-weight", Prefix: StationWeightCachePrefix, TTL: DefaultStationWeightTTL})
}

func TestStationWeight(t *testing.T) {
	rdb, mr := newTestRedis(t)
	src := &fakeStationWeightSource{rows: map[string][]gtfs.StationWeight{
		"900210771": {{StationID: "de:12063:900210771", Weight: 12.5}},
		"900000001": {{StationID: "de:11000:900000001", Weight: 1}, {StationID: "de:12000:900000001", Weight: 2}},
	}}
	w := NewStationWeights(src, newStationWeightCache(rdb), zerolog.Nop())
	ctx := context.Background()

	weight, ok, err := w.Weight(ctx, "900210771")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.5, weight)
	assert.True(t, mr.Exists("1:station-weight:900210771"))
	assert.Equal(t, DefaultStationWeightTTL, mr.TTL("1:station-weight:900210771"))

	// cached, also when looked up by DHID
	weight, ok, err = w.Weight(ctx, "de:12063:900210771::2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.5, weight)
	assert.Equal(t, 1, src.calls)

	_, ok, err = w.Weight(ctx, "900000001")
	require.NoError(t, err)
	assert.False(t, ok, "ambiguous")

	_, ok, err = w.Weight(ctx, "123")
	require.NoError(t, err)
	assert.False(t, ok, "unknown")
	_, ok, err = w.Weight(ctx, "123")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, src.calls, "negative results are cached")
}

func TestStationWeightSourceError(t *testing.T) {
	rdb, _ := newTestRedis(t)
	w := NewStationWeights(&fakeStationWeightSource{err: errors.New("connection refused")}, newStationWeightCache(rdb), zerolog.Nop())
	_, _, err := w.Weight(context.Background(), "900210771")
	require.Error(t, err)
	assert.Equal(t, failure.Infrastructure, failure.KindOf(err))
}

func TestWarmStationWeights(t *testing.T) {
	rdb, _ := newTestRedis(t)
	c := newStationWeightCache(rdb)
	ctx := context.Background()

	n, err := WarmStationWeights(ctx, c, []gtfs.StationWeight{
		{StationID: "de:12063:900210771", Weight: 12.5},
		{StationID: "de:11000:900000001", Weight: 1},
		{StationID: "de:12000:900000001", Weight: 2},
		{StationID: "de:13000:900000001", Weight: 3},
		{StationID: "not-a-dhid", Weight: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	src := &fakeStationWeightSource{}
	w := NewStationWeights(src, c, zerolog.Nop())
	weight, ok, err := w.Weight(ctx, "900210771")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.5, weight)

	_, ok, err = w.Weight(ctx, "900000001")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, src.calls)

	entries, err := c.GetMany(ctx, "9002")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "900210771", entries[0].Key)
}
