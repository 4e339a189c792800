package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/pipeline"
)

type fakeMsg struct {
	subject string
	data    []byte
	acked   bool
	naked   bool
	termed  bool
}

func (f *fakeMsg) Subject() string { return f.subject }
func (f *fakeMsg) Data() []byte    { return f.data }
func (f *fakeMsg) Ack() error      { f.acked = true; return nil }
func (f *fakeMsg) Nak() error      { f.naked = true; return nil }
func (f *fakeMsg) Term() error     { f.termed = true; return nil }

type fakeEnqueuer struct {
	records []*models.Record
	acks    []pipeline.AckFunc
	err     error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, rec *models.Record, ack pipeline.AckFunc) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	f.acks = append(f.acks, ack)
	return nil
}

func newTestSubscriber(sink Enqueuer, ackAfterFlush ...models.DataType) *Subscriber {
	s := &Subscriber{
		cfg:           DefaultConfig(),
		sink:          sink,
		stats:         pipeline.NewStats(),
		metrics:       metrics.NewRegistry(),
		ackAfterFlush: make(map[models.DataType]bool),
		runCtx:        context.Background(),
	}
	for _, dt := range ackAfterFlush {
		s.ackAfterFlush[dt] = true
	}
	return s
}

func TestSubscriber_HandleTrade(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe)

	msg := &fakeMsg{
		subject: "trade.binance.spot.BTCUSDT",
		data: []byte(`{
			"exchange": "binance",
			"symbol": "BTC-USDT",
			"trade_id": "12345",
			"price": "50000",
			"quantity": "0.5",
			"side": "buy",
			"timestamp": "2025-06-01T12:00:00.123Z"
		}`),
	}
	s.handle(models.TypeTrade, msg)

	require.Len(t, fe.records, 1)
	rec := fe.records[0]
	assert.Equal(t, models.TypeTrade, rec.Type)
	assert.Equal(t, "binance", rec.Exchange)
	assert.Equal(t, "BTC-USDT", rec.Symbol)
	assert.Equal(t, 50000.0, rec.Fields["price"])
	assert.Equal(t, 0.5, rec.Fields["quantity"])
	assert.Equal(t, "12345", rec.Fields["trade_id"])

	assert.True(t, msg.acked, "default mode acks on enqueue")
	assert.False(t, msg.naked)
	assert.False(t, msg.termed)
	assert.Equal(t, int64(1), s.stats.Snapshot().MessagesReceived)
	assert.Zero(t, s.stats.Snapshot().MessagesFailed)
}

func TestSubscriber_MalformedJSONTerminated(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe)

	msg := &fakeMsg{subject: "trade.binance.spot.BTCUSDT", data: []byte("not json at all")}
	s.handle(models.TypeTrade, msg)

	assert.Empty(t, fe.records)
	assert.True(t, msg.termed, "redelivery cannot fix a malformed payload")
	assert.False(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Equal(t, int64(1), s.stats.Snapshot().MessagesFailed)
}

func TestSubscriber_UnnormalizableTerminated(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe)

	// Valid JSON but no timestamp.
	msg := &fakeMsg{
		subject: "trade.binance.spot.BTCUSDT",
		data:    []byte(`{"exchange":"binance","symbol":"BTCUSDT","price":1}`),
	}
	s.handle(models.TypeTrade, msg)

	assert.Empty(t, fe.records)
	assert.True(t, msg.termed)
	assert.Equal(t, int64(1), s.stats.Snapshot().MessagesFailed)
}

func TestSubscriber_AckAfterFlushDefersAck(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe, models.TypeTrade)

	msg := &fakeMsg{
		subject: "trade.binance.spot.BTCUSDT",
		data:    []byte(`{"exchange":"binance","symbol":"BTCUSDT","price":1,"timestamp":1735689600000}`),
	}
	s.handle(models.TypeTrade, msg)

	require.Len(t, fe.acks, 1)
	require.NotNil(t, fe.acks[0], "ack handed to the queue for post-flush invocation")
	assert.False(t, msg.acked, "no ack before the batch lands")

	fe.acks[0]()
	assert.True(t, msg.acked)
}

func TestSubscriber_EnqueueFailureNaks(t *testing.T) {
	fe := &fakeEnqueuer{err: errors.New("queues draining")}
	s := newTestSubscriber(fe)

	msg := &fakeMsg{
		subject: "trade.binance.spot.BTCUSDT",
		data:    []byte(`{"exchange":"binance","symbol":"BTCUSDT","price":1,"timestamp":1735689600000}`),
	}
	s.handle(models.TypeTrade, msg)

	assert.True(t, msg.naked, "bus should redeliver")
	assert.False(t, msg.acked)
	assert.False(t, msg.termed)
	assert.Equal(t, int64(1), s.stats.Snapshot().MessagesFailed)
}

func TestSubscriber_SubjectBackfill(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe)

	msg := &fakeMsg{
		subject: "trade.okx.spot.ETH-USDT",
		data:    []byte(`{"price":1,"timestamp":1735689600000}`),
	}
	s.handle(models.TypeTrade, msg)

	require.Len(t, fe.records, 1)
	rec := fe.records[0]
	assert.Equal(t, "okx", rec.Exchange)
	assert.Equal(t, "spot", rec.MarketType)
	assert.Equal(t, "ETH-USDT", rec.Symbol)
}

func TestSubscriber_PayloadWinsOverSubject(t *testing.T) {
	fe := &fakeEnqueuer{}
	s := newTestSubscriber(fe)

	msg := &fakeMsg{
		subject: "trade.okx.spot.ETH-USDT",
		data:    []byte(`{"exchange":"binance","symbol":"BTCUSDT","price":1,"timestamp":1735689600000}`),
	}
	s.handle(models.TypeTrade, msg)

	require.Len(t, fe.records, 1)
	assert.Equal(t, "binance", fe.records[0].Exchange)
	assert.Equal(t, "BTCUSDT", fe.records[0].Symbol)
}

func TestFillFromSubject(t *testing.T) {
	raw := map[string]any{"symbol": "BTCUSDT"}
	fillFromSubject(raw, "funding_rate.binance.perpetual.BTC-USDT")
	assert.Equal(t, "binance", raw["exchange"])
	assert.Equal(t, "perpetual", raw["market_type"])
	assert.Equal(t, "BTCUSDT", raw["symbol"], "existing value preserved")

	short := map[string]any{}
	fillFromSubject(short, "trade.binance")
	assert.Empty(t, short, "short subjects fill nothing")
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "storage-service-trade-consumer",
		durableName("storage-service", models.TypeTrade))
	assert.Equal(t, "cold-loader-orderbook-consumer",
		durableName("cold-loader", models.TypeOrderbook))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "MARKET_DATA", cfg.Stream)
	assert.Equal(t, "storage-service", cfg.DurablePrefix)
	assert.Equal(t, 2000, cfg.MaxAckPending)
	assert.Equal(t, int64(60), int64(cfg.AckWait.Seconds()))
}

func TestNewSubscriber_RejectsUnknownAckAfterFlushType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckAfterFlush = []string{"bogus_type"}

	_, err := NewSubscriber(cfg, &fakeEnqueuer{}, pipeline.NewStats(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack_after_flush")
}
