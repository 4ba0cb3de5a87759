package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type ConnectOptions struct {
	// URL may be a comma-separated list of servers.
	URL        string
	User       string
	Password   string
	ClientName string
}

// Connect connects to NATS, reporting the connection state to m.
func Connect(opt ConnectOptions, m PublisherMetrics, log zerolog.Logger) (*nats.Conn, error) {
	log = log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(opt.ClientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("server", nc.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	}
	if opt.User != "" {
		opts = append(opts, nats.UserInfo(opt.User, opt.Password))
	}
	nc, err := nats.Connect(opt.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	log.Info().Str("server", nc.ConnectedUrlRedacted()).Str("clientName", opt.ClientName).Msg("connected to nats")
	return nc, nil
}

// MsgPublisher is implemented by jetstream.JetStream.
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// TripUpdatePublisher publishes TripUpdates to gtfsrt.tu.<trip_id>.
type TripUpdatePublisher struct {
	js          MsgPublisher
	format      gtfsrt.Format
	logSubjects bool
	metrics     PublisherMetrics
	log         zerolog.Logger
}

func NewTripUpdatePublisher(js MsgPublisher, format gtfsrt.Format, logSubjects bool, m PublisherMetrics, log zerolog.Logger) *TripUpdatePublisher {
	return &TripUpdatePublisher{
		js:          js,
		format:      format,
		logSubjects: logSubjects,
		metrics:     m,
		log:         log.With().Str("component", "publisher").Logger(),
	}
}

func (p *TripUpdatePublisher) PublishTripUpdate(ctx context.Context, u *gtfsrt.TripUpdate) error {
	subject, err := gtfsrt.TripUpdateSubject(u)
	if err != nil {
		return err
	}
	b, err := gtfsrt.Encode(u, p.format)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = b
	msg.Header.Set("Content-Type", p.format.ContentType())

	if p.logSubjects {
		p.log.Debug().Str("subject", subject).Str("fahrtId", u.FahrtID).Msg("publishing GTFS-RT TripUpdate")
	}
	start := time.Now()
	_, err = p.js.PublishMsg(ctx, msg)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
