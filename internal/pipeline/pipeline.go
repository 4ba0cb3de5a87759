// Package pipeline consumes VDV messages from NATS JetStream, merges them per
// trip "instance", matches the result with the GTFS Schedule and publishes
// GTFS-RT TripUpdates.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vdv-gtfsrt-matcher/internal/failure"
	"vdv-gtfsrt-matcher/internal/gtfsrt"
	"vdv-gtfsrt-matcher/internal/match"
	mmetrics "vdv-gtfsrt-matcher/internal/metrics"
	"vdv-gtfsrt-matcher/internal/vdv"
)

type MessageKind int

const (
	IstFahrt MessageKind = iota
	SollFahrt
)

func (k MessageKind) String() string {
	if k == SollFahrt {
		return "sollfahrt"
	}
	return "istfahrt"
}

// Message is the part of jetstream.Msg the pipeline uses.
type Message interface {
	Subject() string
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
	InProgress() error
}

type Delivery struct {
	Kind MessageKind
	Msg  Message
}

type FragmentStore interface {
	StoreSollFahrt(ctx context.Context, f *vdv.Fahrt) error
	StoreIstFahrt(ctx context.Context, f *vdv.Fahrt) error
	MergeEquivalent(ctx context.Context, f *vdv.Fahrt) (*vdv.MergeResult, error)
}

type Matcher interface {
	Match(ctx context.Context, u *gtfsrt.TripUpdate) (*match.MatchResult, error)
}

type Publisher interface {
	PublishTripUpdate(ctx context.Context, u *gtfsrt.TripUpdate) error
}

type Options struct {
	// Concurrency defaults to the number of CPUs + 1.
	Concurrency int

	// KeepaliveInterval is how often a message still being processed is
	// reported as in progress, to prevent redelivery.
	KeepaliveInterval time.Duration
}

type Pipeline struct {
	store   FragmentStore
	matcher Matcher
	pub     Publisher
	metrics *mmetrics.Collector
	opt     Options
	log     zerolog.Logger
}

func New(store FragmentStore, matcher Matcher, pub Publisher, metrics *mmetrics.Collector, opt Options, log zerolog.Logger) *Pipeline {
	if opt.Concurrency <= 0 {
		opt.Concurrency = runtime.NumCPU() + 1
	}
	if opt.KeepaliveInterval <= 0 {
		opt.KeepaliveInterval = 10 * time.Second
	}
	return &Pipeline{
		store:   store,
		matcher: matcher,
		pub:     pub,
		metrics: metrics,
		opt:     opt,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes deliveries with at most Concurrency messages in flight. It
// returns when in is closed or ctx is done, after in-flight messages are
// settled, or with the first fatal error.
func (p *Pipeline) Run(ctx context.Context, in <-chan Delivery) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opt.Concurrency)
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case d, ok := <-in:
			if !ok {
				break loop
			}
			g.Go(func() error {
				return p.Process(gctx, d.Kind, d.Msg)
			})
		}
	}
	return g.Wait()
}

// result labels
const (
	resultPublished  = "published"
	resultNoRealtime = "no_realtime"
	resultUnmatched  = "unmatched"
	resultInvalid    = "invalid"
	resultError      = "error"
)

// Process handles one message and settles it. Only fatal errors are returned.
func (p *Pipeline) Process(ctx context.Context, kind MessageKind, msg Message) error {
	log := p.log.With().Str("kind", kind.String()).Str("subject", msg.Subject()).Logger()
	if md, err := msg.Metadata(); err == nil {
		log = log.With().Uint64("seq", md.Sequence.Stream).Uint64("numDelivered", md.NumDelivered).Logger()
	}
	if p.metrics != nil {
		p.metrics.InFlight.Inc()
		defer p.metrics.InFlight.Dec()
	}
	stop := p.keepalive(msg, log)
	result, err := p.process(ctx, kind, msg, &log)
	stop()
	switch {
	case result != "":
	case failure.Is(err, failure.InvalidInput):
		result = resultInvalid
	default:
		result = resultError
	}
	if p.metrics != nil {
		p.metrics.Messages.WithLabelValues(kind.String(), result).Inc()
	}
	return p.settle(msg, err, &log)
}

func (p *Pipeline) keepalive(msg Message, log zerolog.Logger) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(p.opt.KeepaliveInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					log.Warn().Err(err).Msg("failed to report message as in progress")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (p *Pipeline) observe(stage string, t0 time.Time) {
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(t0).Seconds())
	}
}

// errUnmatched terminates a message that can never be matched.
var errUnmatched = errors.New("trip not matched")

func (p *Pipeline) process(ctx context.Context, kind MessageKind, msg Message, log *zerolog.Logger) (string, error) {
	t0 := time.Now()
	var f vdv.Fahrt
	if err := json.Unmarshal(msg.Data(), &f); err != nil {
		return "", failure.New(failure.InvalidInput, "decode", err)
	}
	p.observe("decode", t0)
	if f.FahrtID != nil {
		*log = log.With().Str("fahrtId", f.FahrtID.FahrtBezeichner).Str("betriebstag", f.FahrtID.Betriebstag).Logger()
	}
	log.Trace().Msg("processing VDV message")

	t0 = time.Now()
	var err error
	if kind == SollFahrt {
		err = p.store.StoreSollFahrt(ctx, &f)
	} else {
		err = p.store.StoreIstFahrt(ctx, &f)
	}
	if err != nil {
		return "", err
	}
	p.observe("store", t0)

	t0 = time.Now()
	merged, err := p.store.MergeEquivalent(ctx, &f)
	if err != nil {
		return "", err
	}
	p.observe("merge", t0)
	p.countMergeSources(merged)
	if !merged.HasRealtimeData() {
		log.Debug().Msg("merged trip has no realtime data, not matching")
		return resultNoRealtime, nil
	}

	t0 = time.Now()
	rt, err := vdv.FormatTripUpdate(&merged.IstFahrt)
	if err != nil {
		return "", err
	}
	p.observe("format", t0)

	t0 = time.Now()
	res, err := p.matcher.Match(ctx, rt)
	if err != nil {
		return "", err
	}
	matchingTime := time.Since(t0)
	p.observe("match", t0)
	if p.metrics != nil {
		p.metrics.ObserveMatching(res.Matched, res.Cached, matchingTime)
	}
	if !res.Matched {
		if p.metrics != nil {
			p.metrics.MatchingFailures.WithLabelValues(res.Outcome.String()).Inc()
		}
		return resultUnmatched, failure.New(res.Outcome.Kind(), "match", fmt.Errorf("%w: %s", errUnmatched, res.Outcome))
	}
	*log = log.With().Str("tripId", res.TripUpdate.Trip.TripID).Bool("isCached", res.Cached).Logger()

	t0 = time.Now()
	if err := p.pub.PublishTripUpdate(ctx, res.TripUpdate); err != nil {
		return "", failure.New(failure.Infrastructure, "publish", err)
	}
	p.observe("publish", t0)
	log.Debug().Dur("matchingTime", matchingTime).Msg("published GTFS-RT TripUpdate")
	return resultPublished, nil
}

func (p *Pipeline) countMergeSources(r *vdv.MergeResult) {
	if p.metrics == nil {
		return
	}
	if r.HasSollFahrt {
		p.metrics.MergeSources.WithLabelValues("soll").Inc()
	}
	if r.HasKomplettfahrt {
		p.metrics.MergeSources.WithLabelValues("komplett").Inc()
	}
	if r.HasPartials {
		p.metrics.MergeSources.WithLabelValues("partial").Inc()
	}
}

// settle acknowledges msg according to the kind of err. Invariant errors are
// returned without settling, the message will be redelivered after the
// process has exited.
func (p *Pipeline) settle(msg Message, err error, log *zerolog.Logger) error {
	var settleErr error
	switch kind := failure.KindOf(err); {
	case err == nil:
		settleErr = msg.Ack()
		log.Trace().Msg("successfully processed VDV message")
	case kind == failure.Invariant:
		log.Error().Err(err).Msg("invariant violated, aborting")
		return err
	case kind == failure.InvalidInput:
		log.Warn().Err(err).Msg("invalid VDV message, not redelivering")
		settleErr = msg.Term()
	case kind == failure.Unmatched, kind == failure.Ambiguous:
		log.Debug().Err(err).Msg("trip not matched, not redelivering")
		settleErr = msg.Term()
	default:
		log.Warn().Err(err).Msg("failure processing VDV message, redelivering")
		settleErr = msg.Nak()
	}
	if settleErr != nil {
		log.Warn().Err(settleErr).Msg("failed to settle message")
	}
	return nil
}
