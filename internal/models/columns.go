package models

// Column describes one declared column of a data type's table. The Type
// field carries the columnar store's type name; numeric columns drive
// payload coercion during normalization.
type Column struct {
	Name string
	Type string
}

// envelopeColumns lead every table and form the prefix of the natural key.
var envelopeColumns = []Column{
	{Name: "exchange", Type: "String"},
	{Name: "market_type", Type: "String"},
	{Name: "symbol", Type: "String"},
	{Name: "timestamp", Type: "DateTime64(3)"},
}

// payloadColumns holds the per-type columns that follow the envelope.
var payloadColumns = map[DataType][]Column{
	TypeTrade: {
		{Name: "trade_id", Type: "String"},
		{Name: "price", Type: "Float64"},
		{Name: "quantity", Type: "Float64"},
		{Name: "side", Type: "String"},
	},
	TypeOrderbook: {
		{Name: "best_bid", Type: "Float64"},
		{Name: "best_ask", Type: "Float64"},
		{Name: "bids", Type: "String"},
		{Name: "asks", Type: "String"},
		{Name: "depth_levels", Type: "UInt32"},
		{Name: "seq_id", Type: "UInt64"},
	},
	TypeTicker: {
		{Name: "last_price", Type: "Float64"},
		{Name: "volume_24h", Type: "Float64"},
		{Name: "high_24h", Type: "Float64"},
		{Name: "low_24h", Type: "Float64"},
		{Name: "price_change_24h", Type: "Float64"},
	},
	TypeFundingRate: {
		{Name: "funding_rate", Type: "Float64"},
		{Name: "funding_time", Type: "DateTime64(3)"},
		{Name: "next_funding_time", Type: "DateTime64(3)"},
	},
	TypeOpenInterest: {
		{Name: "open_interest", Type: "Float64"},
		{Name: "open_interest_value", Type: "Float64"},
	},
	TypeLiquidation: {
		{Name: "side", Type: "String"},
		{Name: "price", Type: "Float64"},
		{Name: "quantity", Type: "Float64"},
	},
	TypeVolatilityIndex: {
		{Name: "vol_index", Type: "Float64"},
		{Name: "underlying", Type: "String"},
	},
	TypeLSRTopPosition: {
		{Name: "long_ratio", Type: "Float64"},
		{Name: "short_ratio", Type: "Float64"},
		{Name: "long_short_ratio", Type: "Float64"},
	},
	TypeLSRAllAccount: {
		{Name: "long_account_ratio", Type: "Float64"},
		{Name: "short_account_ratio", Type: "Float64"},
		{Name: "long_short_ratio", Type: "Float64"},
	},
}

// Columns returns the full declared column list for a data type: the
// shared envelope followed by the type's payload columns. The insert-time
// column is not listed; the store defaults it on write.
func Columns(dt DataType) []Column {
	cols := make([]Column, 0, len(envelopeColumns)+len(payloadColumns[dt]))
	cols = append(cols, envelopeColumns...)
	cols = append(cols, payloadColumns[dt]...)
	return cols
}

// NaturalKey returns the ordering key columns that deduplicate redelivered
// records under the replacing merge. Trades include the trade ID; all
// other types key on (exchange, symbol, timestamp).
func NaturalKey(dt DataType) []string {
	if dt == TypeTrade {
		return []string{"exchange", "symbol", "timestamp", "trade_id"}
	}
	return []string{"exchange", "symbol", "timestamp"}
}

// numericColumn reports whether a column holds a numeric store type, which
// makes string payload values eligible for coercion.
func numericColumn(c Column) bool {
	switch c.Type {
	case "Float64", "Float32", "UInt64", "UInt32", "Int64", "Int32":
		return true
	}
	return false
}
