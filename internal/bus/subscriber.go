package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/pipeline"
)

// Config tunes the market data bus subscription.
type Config struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	DurablePrefix string        `yaml:"durable_prefix"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// AckAfterFlush lists data types whose messages are acknowledged only
	// after their batch lands in the hot tier. Everything else acks on
	// enqueue.
	AckAfterFlush []string `yaml:"ack_after_flush"`
}

// DefaultConfig returns the default bus tuning.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Stream:        "MARKET_DATA",
		DurablePrefix: "storage-service",
		AckWait:       60 * time.Second,
		MaxAckPending: 2000,
		ReconnectWait: 2 * time.Second,
	}
}

// Enqueuer accepts normalized records for batching. Implemented by
// pipeline.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *models.Record, ack pipeline.AckFunc) error
}

// busMsg is the slice of a bus message the handler needs. Narrowed so
// tests can drive the handler without a server.
type busMsg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

type natsMsg struct {
	m *nats.Msg
}

func (n natsMsg) Subject() string { return n.m.Subject }
func (n natsMsg) Data() []byte    { return n.m.Data }
func (n natsMsg) Ack() error      { return n.m.Ack() }
func (n natsMsg) Nak() error      { return n.m.Nak() }
func (n natsMsg) Term() error     { return n.m.Term() }

// jsSubscriber is the JetStream surface used by Start.
type jsSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Subscriber consumes market data subjects through durable JetStream
// consumers and feeds the batch queues. Each data type gets its own
// consumer so one slow table cannot stall the rest.
type Subscriber struct {
	cfg     Config
	conn    *nats.Conn
	js      jsSubscriber
	sink    Enqueuer
	stats   *pipeline.Stats
	metrics *metrics.Registry

	ackAfterFlush map[models.DataType]bool
	subs          []*nats.Subscription
	runCtx        context.Context
}

// NewSubscriber connects to the bus and prepares a JetStream context.
// The subscriber owns the connection; Stop drains it.
func NewSubscriber(cfg Config, sink Enqueuer, stats *pipeline.Stats, m *metrics.Registry) (*Subscriber, error) {
	s := &Subscriber{
		cfg:           cfg,
		sink:          sink,
		stats:         stats,
		metrics:       m,
		ackAfterFlush: make(map[models.DataType]bool, len(cfg.AckAfterFlush)),
		runCtx:        context.Background(),
	}
	for _, name := range cfg.AckAfterFlush {
		dt, err := models.ParseDataType(name)
		if err != nil {
			return nil, fmt.Errorf("ack_after_flush: %w", err)
		}
		s.ackAfterFlush[dt] = true
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("marketprism-storage"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Warn().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
			stats.Reconnected()
			if m != nil {
				m.BusReconnects.Inc()
			}
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("Bus async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", cfg.URL, err)
	}
	s.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}
	s.js = js
	return s, nil
}

// durableName derives the per-type durable consumer name. The prefix is
// the service identity; two deployments sharing a prefix share cursors.
func durableName(prefix string, dt models.DataType) string {
	return fmt.Sprintf("%s-%s-consumer", prefix, dt)
}

// Start opens one durable consumer per enabled type. New durables begin
// at the last message; existing durables resume their cursor.
func (s *Subscriber) Start(ctx context.Context, types []models.DataType) error {
	s.runCtx = ctx

	for _, dt := range types {
		subject := string(dt) + ".>"
		durable := durableName(s.cfg.DurablePrefix, dt)

		sub, err := s.js.Subscribe(subject, s.handlerFor(dt),
			nats.BindStream(s.cfg.Stream),
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckWait(s.cfg.AckWait),
			nats.MaxAckPending(s.cfg.MaxAckPending),
			nats.DeliverLast(),
		)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s as %s: %w", subject, durable, err)
		}
		s.subs = append(s.subs, sub)

		log.Info().
			Str("subject", subject).
			Str("durable", durable).
			Str("stream", s.cfg.Stream).
			Bool("ack_after_flush", s.ackAfterFlush[dt]).
			Msg("Consumer started")
	}
	return nil
}

func (s *Subscriber) handlerFor(dt models.DataType) nats.MsgHandler {
	return func(m *nats.Msg) { s.handle(dt, natsMsg{m}) }
}

// handle processes one delivery: decode, normalize, enqueue, ack. Parse
// failures terminate the message; a redelivery can never fix a malformed
// payload. Enqueue failures NAK so the bus redelivers.
func (s *Subscriber) handle(dt models.DataType, m busMsg) {
	s.stats.MessageReceived()
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(string(dt)).Inc()
	}

	var raw map[string]any
	if err := json.Unmarshal(m.Data(), &raw); err != nil {
		s.rejectPermanently(dt, m, fmt.Errorf("malformed json: %w", err))
		return
	}
	fillFromSubject(raw, m.Subject())

	rec, err := models.NormalizeRecord(dt, raw)
	if err != nil {
		s.rejectPermanently(dt, m, err)
		return
	}

	if s.ackAfterFlush[dt] {
		err = s.sink.Enqueue(s.runCtx, rec, func() {
			if err := m.Ack(); err != nil {
				log.Warn().Err(err).Str("subject", m.Subject()).Msg("Post-flush ack failed")
			}
		})
	} else {
		err = s.sink.Enqueue(s.runCtx, rec, nil)
		if err == nil {
			err = m.Ack()
		}
	}
	if err != nil {
		s.stats.MessageFailed()
		if s.metrics != nil {
			s.metrics.MessagesFailed.WithLabelValues(string(dt)).Inc()
		}
		log.Warn().Err(err).Str("subject", m.Subject()).Msg("Enqueue failed; message will redeliver")
		if err := m.Nak(); err != nil {
			log.Warn().Err(err).Str("subject", m.Subject()).Msg("NAK failed")
		}
	}
}

func (s *Subscriber) rejectPermanently(dt models.DataType, m busMsg, cause error) {
	s.stats.MessageFailed()
	if s.metrics != nil {
		s.metrics.MessagesFailed.WithLabelValues(string(dt)).Inc()
	}
	log.Warn().
		Err(cause).
		Str("subject", m.Subject()).
		Str("data_type", string(dt)).
		Msg("Unparseable message terminated")
	if err := m.Term(); err != nil {
		log.Warn().Err(err).Str("subject", m.Subject()).Msg("Terminate failed")
	}
}

// fillFromSubject backfills envelope fields from the subject when the
// payload omits them. Subjects are <type>.<exchange>.<market_type>.<symbol>.
func fillFromSubject(raw map[string]any, subject string) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return
	}
	for i, key := range []string{"exchange", "market_type", "symbol"} {
		if v, ok := raw[key].(string); ok && v != "" {
			continue
		}
		raw[key] = parts[i+1]
	}
}

// Connected reports whether the bus connection is currently up.
func (s *Subscriber) Connected() bool {
	return s.conn != nil && s.conn.Status() == nats.CONNECTED
}

// ConsumerStatus is one consumer's view for the status endpoint.
type ConsumerStatus struct {
	Durable    string `json:"durable"`
	Subject    string `json:"subject"`
	Pending    uint64 `json:"pending"`
	AckPending int    `json:"ack_pending"`
}

// Status reports per-consumer lag. Consumers that cannot be queried are
// listed with zero counts rather than failing the whole status call.
func (s *Subscriber) Status() []ConsumerStatus {
	statuses := make([]ConsumerStatus, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		status := ConsumerStatus{Subject: sub.Subject}
		if info, err := sub.ConsumerInfo(); err == nil {
			status.Durable = info.Name
			status.Pending = info.NumPending
			status.AckPending = info.NumAckPending
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Stop drains the connection. Durable cursors survive; unacknowledged
// messages redeliver to the next instance. Subscriptions are not
// individually unsubscribed because that would delete the durables.
func (s *Subscriber) Stop() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Bus drain failed; closing hard")
		s.conn.Close()
	}
}
