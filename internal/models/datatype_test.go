package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DataType
		wantErr bool
	}{
		{name: "canonical_singular", input: "orderbook", want: TypeOrderbook},
		{name: "plural_alias", input: "orderbooks", want: TypeOrderbook},
		{name: "trades_alias", input: "trades", want: TypeTrade},
		{name: "case_insensitive", input: "Funding_Rate", want: TypeFundingRate},
		{name: "whitespace_trimmed", input: " trade ", want: TypeTrade},
		{name: "lsr_top_position", input: "lsr_top_position", want: TypeLSRTopPosition},
		{name: "unknown", input: "candles", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDataType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		name     string
		dataType DataType
		want     BatchPolicy
	}{
		{name: "trade", dataType: TypeTrade, want: BatchPolicy{BatchSize: 500, Timeout: 1500 * time.Millisecond, MaxQueue: 5000}},
		{name: "orderbook", dataType: TypeOrderbook, want: BatchPolicy{BatchSize: 1000, Timeout: 2 * time.Second, MaxQueue: 10000}},
		{name: "liquidation", dataType: TypeLiquidation, want: BatchPolicy{BatchSize: 5, Timeout: 10 * time.Second, MaxQueue: 200}},
		{name: "volatility_index", dataType: TypeVolatilityIndex, want: BatchPolicy{BatchSize: 1, Timeout: time.Second, MaxQueue: 50}},
		{name: "ticker_falls_back_to_default", dataType: TypeTicker, want: DefaultBatchPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PolicyFor(tt.dataType))
		})
	}
}

func TestSubscribedTypes_ExcludesTicker(t *testing.T) {
	for _, dt := range SubscribedTypes() {
		assert.NotEqual(t, TypeTicker, dt)
	}
	assert.Len(t, SubscribedTypes(), 8)
	assert.Len(t, AllDataTypes(), 9)
}

func TestNaturalKey(t *testing.T) {
	assert.Equal(t, []string{"exchange", "symbol", "timestamp", "trade_id"}, NaturalKey(TypeTrade))
	assert.Equal(t, []string{"exchange", "symbol", "timestamp"}, NaturalKey(TypeOrderbook))
}
