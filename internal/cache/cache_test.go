package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
)

func testRecord(t *testing.T) *models.Record {
	t.Helper()
	rec, err := models.NormalizeRecord(models.TypeTrade, map[string]any{
		"exchange":  "binance",
		"symbol":    "BTC-USDT",
		"trade_id":  "t1",
		"price":     50000.5,
		"quantity":  0.25,
		"side":      "buy",
		"timestamp": int64(1735689600000),
	})
	require.NoError(t, err)
	return rec
}

func TestKey(t *testing.T) {
	assert.Equal(t, "latest:trade:binance:BTC-USDT", Key(models.TypeTrade, "binance", "BTC-USDT"))
	assert.Equal(t, "latest:ticker:okx:ETH-USDT", Key(models.TypeTicker, "okx", "ETH-USDT"))
}

func TestCache_DisabledWithoutAddr(t *testing.T) {
	c := New(DefaultConfig(), metrics.NewRegistry())

	assert.False(t, c.Enabled())
	assert.True(t, c.Healthy(context.Background()))

	rec, ok := c.GetLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
	assert.Nil(t, rec)
	assert.False(t, ok)

	c.SetLatest(context.Background(), testRecord(t))
	assert.NoError(t, c.Close())
}

func TestCache_GetLatest(t *testing.T) {
	t.Run("hit_returns_cached_record", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reg := metrics.NewRegistry()
		c := NewWithClient(client, time.Minute, reg)

		rec := testRecord(t)
		payload, err := json.Marshal(rec)
		require.NoError(t, err)
		mock.ExpectGet("latest:trade:binance:BTC-USDT").SetVal(string(payload))

		got, ok := c.GetLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.True(t, ok)
		require.NotNil(t, got)
		assert.Equal(t, rec.Exchange, got.Exchange)
		assert.Equal(t, rec.Symbol, got.Symbol)
		assert.True(t, rec.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, 50000.5, got.Fields["price"])

		assert.Equal(t, float64(1), testutil.ToFloat64(reg.CacheHits.WithLabelValues("trade")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss_on_absent_key", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reg := metrics.NewRegistry()
		c := NewWithClient(client, time.Minute, reg)

		mock.ExpectGet("latest:trade:binance:BTC-USDT").RedisNil()

		got, ok := c.GetLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		assert.Nil(t, got)
		assert.False(t, ok)
		assert.Equal(t, float64(1), testutil.ToFloat64(reg.CacheMisses.WithLabelValues("trade")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis_error_degrades_to_miss", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reg := metrics.NewRegistry()
		c := NewWithClient(client, time.Minute, reg)

		mock.ExpectGet("latest:trade:binance:BTC-USDT").SetErr(errors.New("connection refused"))

		got, ok := c.GetLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		assert.Nil(t, got)
		assert.False(t, ok)
		assert.Equal(t, float64(1), testutil.ToFloat64(reg.CacheMisses.WithLabelValues("trade")))
	})

	t.Run("undecodable_entry_is_dropped", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reg := metrics.NewRegistry()
		c := NewWithClient(client, time.Minute, reg)

		mock.ExpectGet("latest:trade:binance:BTC-USDT").SetVal("{not json")
		mock.ExpectDel("latest:trade:binance:BTC-USDT").SetVal(1)

		got, ok := c.GetLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		assert.Nil(t, got)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCache_SetLatest(t *testing.T) {
	t.Run("stores_under_latest_key_with_ttl", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewWithClient(client, 30*time.Second, metrics.NewRegistry())

		rec := testRecord(t)
		payload, err := json.Marshal(rec)
		require.NoError(t, err)
		mock.ExpectSet("latest:trade:binance:BTC-USDT", payload, 30*time.Second).SetVal("OK")

		c.SetLatest(context.Background(), rec)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write_failure_is_swallowed", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewWithClient(client, 30*time.Second, metrics.NewRegistry())

		rec := testRecord(t)
		payload, err := json.Marshal(rec)
		require.NoError(t, err)
		mock.ExpectSet("latest:trade:binance:BTC-USDT", payload, 30*time.Second).SetErr(errors.New("readonly replica"))

		c.SetLatest(context.Background(), rec)
	})
}

func TestCache_Healthy(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewWithClient(client, time.Minute, metrics.NewRegistry())

	mock.ExpectPing().SetVal("PONG")
	assert.True(t, c.Healthy(context.Background()))

	mock.ExpectPing().SetErr(errors.New("down"))
	assert.False(t, c.Healthy(context.Background()))
}
