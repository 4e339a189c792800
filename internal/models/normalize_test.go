package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecord_TradeHappyPath(t *testing.T) {
	body := []byte(`{"exchange":"binance","market_type":"spot","symbol":"BTCUSDT","trade_id":"t1","price":"50000","quantity":"0.1","side":"buy","timestamp":"2025-01-01T00:00:00.000Z"}`)

	rec, err := ParseRecord(TypeTrade, body)
	require.NoError(t, err)

	assert.Equal(t, TypeTrade, rec.Type)
	assert.Equal(t, "binance", rec.Exchange)
	assert.Equal(t, MarketSpot, rec.MarketType)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, "t1", rec.Fields["trade_id"])
	assert.Equal(t, 50000.0, rec.Fields["price"])
	assert.Equal(t, 0.1, rec.Fields["quantity"])
	assert.Equal(t, "buy", rec.Fields["side"])
}

func TestParseRecord_FieldAliases(t *testing.T) {
	tests := []struct {
		name     string
		dataType DataType
		body     string
		wantKey  string
		wantVal  float64
	}{
		{
			name:     "funding_rate_alias",
			dataType: TypeFundingRate,
			body:     `{"exchange":"okx","symbol":"BTC-USDT-SWAP","current_funding_rate":"0.0001","timestamp":1735689600000}`,
			wantKey:  "funding_rate",
			wantVal:  0.0001,
		},
		{
			name:     "vol_index_alias",
			dataType: TypeVolatilityIndex,
			body:     `{"exchange":"deribit","symbol":"BTC","volatility_index":52.4,"timestamp":1735689600000}`,
			wantKey:  "vol_index",
			wantVal:  52.4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseRecord(tt.dataType, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantVal, rec.Fields[tt.wantKey])
			assert.NotContains(t, rec.Fields, "current_funding_rate")
			assert.NotContains(t, rec.Fields, "volatility_index")
		})
	}
}

func TestParseRecord_DefaultMarketTypes(t *testing.T) {
	tests := []struct {
		name     string
		dataType DataType
		want     string
	}{
		{name: "volatility_index_defaults_to_options", dataType: TypeVolatilityIndex, want: MarketOptions},
		{name: "funding_rate_defaults_to_perpetual", dataType: TypeFundingRate, want: MarketPerpetual},
		{name: "trade_defaults_to_spot", dataType: TypeTrade, want: MarketSpot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"exchange":"deribit","symbol":"BTC","timestamp":1735689600000}`)
			rec, err := ParseRecord(tt.dataType, body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.MarketType)
		})
	}
}

func TestParseRecord_TimestampFormats(t *testing.T) {
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body string
	}{
		{name: "rfc3339_millis", body: `{"exchange":"binance","symbol":"BTCUSDT","timestamp":"2025-01-01T00:00:00.000Z"}`},
		{name: "epoch_millis", body: `{"exchange":"binance","symbol":"BTCUSDT","timestamp":1735689600000}`},
		{name: "epoch_seconds", body: `{"exchange":"binance","symbol":"BTCUSDT","timestamp":1735689600}`},
		{name: "store_layout", body: `{"exchange":"binance","symbol":"BTCUSDT","timestamp":"2025-01-01 00:00:00.000"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseRecord(TypeTicker, []byte(tt.body))
			require.NoError(t, err)
			assert.True(t, rec.Timestamp.Equal(want), "got %v", rec.Timestamp)
		})
	}
}

func TestParseRecord_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not_json", body: `<xml>nope</xml>`},
		{name: "missing_symbol", body: `{"exchange":"binance","timestamp":1735689600000}`},
		{name: "missing_exchange", body: `{"symbol":"BTCUSDT","timestamp":1735689600000}`},
		{name: "missing_timestamp", body: `{"exchange":"binance","symbol":"BTCUSDT"}`},
		{name: "bad_market_type", body: `{"exchange":"binance","market_type":"margin","symbol":"BTCUSDT","timestamp":1735689600000}`},
		{name: "non_numeric_price", body: `{"exchange":"binance","symbol":"BTCUSDT","price":"fifty","timestamp":1735689600000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord(TypeTrade, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseRecord_OrderbookNestedLevels(t *testing.T) {
	body := []byte(`{"exchange":"binance","symbol":"BTCUSDT","best_bid":"49999.5","best_ask":"50000.5","bids":[["49999.5","1.2"]],"asks":[["50000.5","0.8"]],"depth_levels":20,"seqId":42,"timestamp":1735689600000}`)

	rec, err := ParseRecord(TypeOrderbook, body)
	require.NoError(t, err)

	assert.Equal(t, 49999.5, rec.Fields["best_bid"])
	assert.JSONEq(t, `[["49999.5","1.2"]]`, rec.Fields["bids"].(string))
	assert.Equal(t, uint64(0x2a), uint64(rec.Fields["seq_id"].(float64)))
}

func TestParseRecord_SeqResetAccepted(t *testing.T) {
	// Upstream maintenance restarts reset the sequence; a lower seq_id on
	// the next full refresh is authoritative, not an error.
	first := []byte(`{"exchange":"okx","symbol":"BTCUSDT","seqId":9000,"timestamp":1735689600000}`)
	second := []byte(`{"exchange":"okx","symbol":"BTCUSDT","seqId":3,"timestamp":1735689601000}`)

	r1, err := ParseRecord(TypeOrderbook, first)
	require.NoError(t, err)
	r2, err := ParseRecord(TypeOrderbook, second)
	require.NoError(t, err)

	assert.Equal(t, 9000.0, r1.Fields["seq_id"])
	assert.Equal(t, 3.0, r2.Fields["seq_id"])
}
