package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/storage/internal/cache"
	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
)

type fakeStore struct {
	queries []string
	onQuery func(sql string) (*clickhouse.QueryResult, error)
}

func (f *fakeStore) Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error) {
	f.queries = append(f.queries, sql)
	if f.onQuery != nil {
		return f.onQuery(sql)
	}
	return &clickhouse.QueryResult{}, nil
}

func tradeRow() map[string]any {
	return map[string]any{
		"exchange":    "binance",
		"market_type": "spot",
		"symbol":      "BTC-USDT",
		"timestamp":   "2025-01-15 10:30:00.000",
		"trade_id":    "t1",
		"price":       50000.5,
		"quantity":    0.25,
		"side":        "buy",
	}
}

func disabledCache() *cache.Cache {
	return cache.New(cache.DefaultConfig(), metrics.NewRegistry())
}

func TestReader_ReadLatest(t *testing.T) {
	t.Run("reads_newest_row_from_hot_tier", func(t *testing.T) {
		st := &fakeStore{onQuery: func(sql string) (*clickhouse.QueryResult, error) {
			return &clickhouse.QueryResult{Data: []map[string]any{tradeRow()}, Rows: 1}, nil
		}}
		r := NewReader(st, disabledCache(), "marketprism")

		rec, err := r.ReadLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "binance", rec.Exchange)
		assert.Equal(t, "BTC-USDT", rec.Symbol)
		assert.Equal(t, 50000.5, rec.Fields["price"])
		assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), rec.Timestamp)

		require.Len(t, st.queries, 1)
		sql := st.queries[0]
		assert.Contains(t, sql, "FROM marketprism.hot_trades")
		assert.Contains(t, sql, "WHERE exchange = 'binance' AND symbol = 'BTC-USDT'")
		assert.Contains(t, sql, "ORDER BY timestamp DESC LIMIT 1")
	})

	t.Run("no_rows_is_not_found", func(t *testing.T) {
		st := &fakeStore{}
		r := NewReader(st, disabledCache(), "marketprism")

		_, err := r.ReadLatest(context.Background(), models.TypeTicker, "okx", "ETH-USDT")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("store_error_is_wrapped", func(t *testing.T) {
		st := &fakeStore{onQuery: func(sql string) (*clickhouse.QueryResult, error) {
			return nil, errors.New("connection refused")
		}}
		r := NewReader(st, disabledCache(), "marketprism")

		_, err := r.ReadLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "latest trade lookup failed")
	})

	t.Run("escapes_lookup_parameters", func(t *testing.T) {
		st := &fakeStore{}
		r := NewReader(st, disabledCache(), "marketprism")

		_, err := r.ReadLatest(context.Background(), models.TypeTrade, "bin'ance", "BTC-USDT")
		require.Error(t, err)
		require.Len(t, st.queries, 1)
		assert.Contains(t, st.queries[0], `exchange = 'bin\'ance'`)
	})

	t.Run("nil_cache_is_tolerated", func(t *testing.T) {
		st := &fakeStore{onQuery: func(sql string) (*clickhouse.QueryResult, error) {
			return &clickhouse.QueryResult{Data: []map[string]any{tradeRow()}, Rows: 1}, nil
		}}
		r := NewReader(st, nil, "marketprism")

		rec, err := r.ReadLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "t1", rec.Fields["trade_id"])
	})
}

func TestReader_CacheInteraction(t *testing.T) {
	t.Run("hit_skips_the_store", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := cache.NewWithClient(client, time.Minute, metrics.NewRegistry())

		cached, err := models.NormalizeRecord(models.TypeTrade, tradeRow())
		require.NoError(t, err)
		payload, err := json.Marshal(cached)
		require.NoError(t, err)
		mock.ExpectGet("latest:trade:binance:BTC-USDT").SetVal(string(payload))

		st := &fakeStore{}
		r := NewReader(st, c, "marketprism")

		rec, err := r.ReadLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "binance", rec.Exchange)
		assert.Empty(t, st.queries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss_populates_cache_from_store", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := cache.NewWithClient(client, time.Minute, metrics.NewRegistry())

		expected, err := models.NormalizeRecord(models.TypeTrade, tradeRow())
		require.NoError(t, err)
		payload, err := json.Marshal(expected)
		require.NoError(t, err)

		mock.ExpectGet("latest:trade:binance:BTC-USDT").RedisNil()
		mock.ExpectSet("latest:trade:binance:BTC-USDT", payload, time.Minute).SetVal("OK")

		st := &fakeStore{onQuery: func(sql string) (*clickhouse.QueryResult, error) {
			return &clickhouse.QueryResult{Data: []map[string]any{tradeRow()}, Rows: 1}, nil
		}}
		r := NewReader(st, c, "marketprism")

		rec, err := r.ReadLatest(context.Background(), models.TypeTrade, "binance", "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "BTC-USDT", rec.Symbol)
		require.Len(t, st.queries, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
