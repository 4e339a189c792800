package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrade(t *testing.T) *Record {
	t.Helper()
	rec, err := NormalizeRecord(TypeTrade, map[string]any{
		"exchange":    "binance",
		"market_type": "spot",
		"symbol":      "BTCUSDT",
		"trade_id":    "t1",
		"price":       50000.0,
		"quantity":    0.1,
		"side":        "buy",
		"timestamp":   "2025-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)
	return rec
}

func TestRecord_Subject(t *testing.T) {
	rec := testTrade(t)
	assert.Equal(t, "trade.binance.spot.BTCUSDT", rec.Subject())
}

func TestRecord_RowMatchesDeclaredColumns(t *testing.T) {
	rec := testTrade(t)
	row := rec.Row()

	for _, col := range Columns(TypeTrade) {
		assert.Contains(t, row, col.Name, "row is missing declared column %s", col.Name)
	}
	assert.Len(t, row, len(Columns(TypeTrade)))
	assert.Equal(t, "2025-01-01 00:00:00.000", row["timestamp"])
}

func TestRecord_RowDropsUnknownFields(t *testing.T) {
	rec := testTrade(t)
	rec.Fields["is_maker"] = true

	row := rec.Row()
	assert.NotContains(t, row, "is_maker")
}

func TestRecord_ValuesOrder(t *testing.T) {
	rec := testTrade(t)
	values := rec.Values()

	require.Len(t, values, len(Columns(TypeTrade)))
	assert.Equal(t, "binance", values[0])
	assert.Equal(t, "spot", values[1])
	assert.Equal(t, "BTCUSDT", values[2])
	assert.Equal(t, "2025-01-01 00:00:00.000", values[3])
	assert.Equal(t, "t1", values[4])
}

func TestRecord_DigestStable(t *testing.T) {
	a := testTrade(t)
	b := testTrade(t)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.Len(t, a.Digest(), 12)

	b.Fields["price"] = 50001.0
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *Record) {}, wantErr: false},
		{name: "empty_exchange", mutate: func(r *Record) { r.Exchange = "" }, wantErr: true},
		{name: "empty_symbol", mutate: func(r *Record) { r.Symbol = "" }, wantErr: true},
		{name: "zero_timestamp", mutate: func(r *Record) { r.Timestamp = time.Time{} }, wantErr: true},
		{name: "bad_market_type", mutate: func(r *Record) { r.MarketType = "margin" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testTrade(t)
			tt.mutate(rec)
			err := rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
