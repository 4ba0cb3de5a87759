package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

const (
	IstFahrtStream   = "AUS_ISTFAHRT_1"
	IstFahrtSubjects = "aus.istfahrt.>"

	SollFahrtStream   = "REF_AUS_SOLLFAHRT_1"
	SollFahrtSubjects = "ref_aus.sollfahrt.>"

	TripUpdatesStream   = "GTFS_RT_1"
	TripUpdatesSubjects = gtfsrt.SubjectPrefix + ">"

	DefaultAckWait = 30 * time.Second
)

// Topology is implemented by jetstream.JetStream.
type Topology interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

type ConsumerOptions struct {
	IstFahrtDurable  string
	SollFahrtDurable string
	AckWait          time.Duration

	// MaxAckPending bounds the number of unacknowledged messages per
	// consumer, usually a multiple of the pipeline's concurrency.
	MaxAckPending int
}

type Consumers struct {
	IstFahrt  jetstream.Consumer
	SollFahrt jetstream.Consumer
}

// StreamConfigs returns the streams the pipeline reads from and writes to.
func StreamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:        IstFahrtStream,
			Description: "VDV-454 AUS IstFahrts",
			Subjects:    []string{IstFahrtSubjects},
			MaxAge:      24 * time.Hour,
		},
		{
			Name:        SollFahrtStream,
			Description: "VDV-454 REF-AUS SollFahrts",
			Subjects:    []string{SollFahrtSubjects},
			MaxAge:      48 * time.Hour,
		},
		{
			Name:        TripUpdatesStream,
			Description: "GTFS-RT TripUpdates matched from VDV-454 IstFahrts",
			Subjects:    []string{TripUpdatesSubjects},
			MaxAge:      time.Hour,
		},
	}
}

func consumerConfig(durable, stream string, opt ConsumerOptions) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       durable,
		Description:   "vdv-gtfsrt-matcher: " + stream,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opt.AckWait,
		MaxAckPending: opt.MaxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Setup creates or updates all streams and the durable consumers.
func Setup(ctx context.Context, js Topology, opt ConsumerOptions, log zerolog.Logger) (*Consumers, error) {
	if opt.IstFahrtDurable == "" || opt.SollFahrtDurable == "" {
		return nil, errors.New("missing consumer durable name")
	}
	if opt.AckWait <= 0 {
		opt.AckWait = DefaultAckWait
	}
	for _, cfg := range StreamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Debug().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("stream ready")
	}

	ist, err := js.CreateOrUpdateConsumer(ctx, IstFahrtStream, consumerConfig(opt.IstFahrtDurable, IstFahrtStream, opt))
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", opt.IstFahrtDurable, err)
	}
	soll, err := js.CreateOrUpdateConsumer(ctx, SollFahrtStream, consumerConfig(opt.SollFahrtDurable, SollFahrtStream, opt))
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", opt.SollFahrtDurable, err)
	}
	log.Info().
		Str("istFahrtConsumer", opt.IstFahrtDurable).
		Str("sollFahrtConsumer", opt.SollFahrtDurable).
		Dur("ackWait", opt.AckWait).
		Msg("consumers ready")
	return &Consumers{IstFahrt: ist, SollFahrt: soll}, nil
}

// Consume pulls messages from cons into out until ctx is done.
func Consume(ctx context.Context, cons jetstream.Consumer, kind MessageKind, batch int, out chan<- Delivery, log zerolog.Logger) error {
	var opts []jetstream.PullMessagesOpt
	if batch > 0 {
		opts = append(opts, jetstream.PullMaxMessages(batch))
	}
	it, err := cons.Messages(opts...)
	if err != nil {
		return fmt.Errorf("consume %s: %w", kind, err)
	}
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		it.Stop()
	}()

	for {
		msg, err := it.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume %s: %w", kind, err)
		}
		select {
		case out <- Delivery{Kind: kind, Msg: msg}:
		case <-ctx.Done():
			if err := msg.Nak(); err != nil {
				log.Debug().Err(err).Msg("failed to nak message on shutdown")
			}
			return nil
		}
	}
}
