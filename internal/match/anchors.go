package match

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

type Weigher interface {
	Weight(ctx context.Context, stationID string) (float64, bool, error)
}

type AnchorOptions struct {
	// WindowSize is the number of StopTimeUpdates considered per anchor.
	WindowSize int
	// SnapRange makes the second window start at a multiple of it, so that
	// similar trips share anchors and thus matching cache entries.
	SnapRange int
}

func (o AnchorOptions) withDefaults() AnchorOptions {
	if o.WindowSize <= 0 {
		o.WindowSize = 3
	}
	if o.SnapRange <= 0 {
		o.SnapRange = 5
	}
	return o
}

// PickAnchors picks two StopTimeUpdates i0 < iN to match with: the most
// important station near the beginning and one near the end of the trip.
// It reports false if there are fewer than two StopTimeUpdates.
func PickAnchors(ctx context.Context, w Weigher, stus []gtfsrt.StopTimeUpdate, opt AnchorOptions, log zerolog.Logger) (i0, iN int, ok bool, err error) {
	opt = opt.withDefaults()
	size, snap := opt.WindowSize, opt.SnapRange
	maxI := len(stus) - 1
	if maxI < 1 {
		return 0, 0, false, nil
	}

	// Prefer starting with the second StopTimeUpdate while keeping size items,
	// and always leave one for iN.
	i0End := min(size-1, maxI-1)
	i0Start := max(i0End-size+1, 0)
	i0, w0, err := heaviest(ctx, w, stus, i0Start, i0End)
	if err != nil {
		return 0, 0, false, err
	}

	// Snap the start to a multiple of snap, after i0. Prefer ending with the
	// second-last StopTimeUpdate while keeping size items.
	iNStart := max(floorDiv(maxI-size+1, snap)*snap, i0+1)
	iNEnd := min(iNStart+size-1, maxI)
	if iNStart > iNEnd {
		return 0, 0, false, nil
	}
	iN, wN, err := heaviest(ctx, w, stus, iNStart, iNEnd)
	if err != nil {
		return 0, 0, false, err
	}

	log.Trace().
		Int("windowSize", size).
		Int("snapRange", snap).
		Int("i0WindowStartI", i0Start).
		Int("i0WindowEndI", i0End).
		Interface("i0WindowWeight", w0).
		Int("i0", i0).
		Int("iNWindowStartI", iNStart).
		Int("iNWindowEndI", iNEnd).
		Interface("iNWindowWeight", wN).
		Int("iN", iN).
		Msg("picked two StopTimeUpdates for matching")
	return i0, iN, true, nil
}

// heaviest returns the index in [start, end] with the highest known station
// weight, the first one on ties, or start if no weight is known.
func heaviest(ctx context.Context, w Weigher, stus []gtfsrt.StopTimeUpdate, start, end int) (int, *float64, error) {
	weights := make([]*float64, end-start+1)
	g, gctx := errgroup.WithContext(ctx)
	for i := start; i <= end; i++ {
		stopID := stus[i].StopID
		if stopID == "" {
			continue
		}
		g.Go(func() error {
			weight, ok, err := w.Weight(gctx, stopID)
			if err != nil {
				return err
			}
			if ok {
				weights[i-start] = &weight
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	best := -1
	for j, weight := range weights {
		if weight != nil && (best < 0 || *weight > *weights[best]) {
			best = j
		}
	}
	if best < 0 {
		return start, nil, nil
	}
	return start + best, weights[best], nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
