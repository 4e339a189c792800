package models

import (
	"fmt"
	"strings"
	"time"
)

// DataType identifies one of the typed market-data streams the storage
// engine persists. Each type has its own hot and cold table and its own
// batch queue.
type DataType string

const (
	TypeTrade           DataType = "trade"
	TypeOrderbook       DataType = "orderbook"
	TypeTicker          DataType = "ticker"
	TypeFundingRate     DataType = "funding_rate"
	TypeOpenInterest    DataType = "open_interest"
	TypeLiquidation     DataType = "liquidation"
	TypeVolatilityIndex DataType = "volatility_index"
	TypeLSRTopPosition  DataType = "lsr_top_position"
	TypeLSRAllAccount   DataType = "lsr_all_account"
)

// typeAliases maps accepted input spellings to canonical type names.
// Some upstream publishers use the plural subject form.
var typeAliases = map[string]DataType{
	"orderbooks":    TypeOrderbook,
	"trades":        TypeTrade,
	"tickers":       TypeTicker,
	"funding_rates": TypeFundingRate,
}

// AllDataTypes returns every data type the engine knows about, in a
// stable order.
func AllDataTypes() []DataType {
	return []DataType{
		TypeTrade,
		TypeOrderbook,
		TypeTicker,
		TypeFundingRate,
		TypeOpenInterest,
		TypeLiquidation,
		TypeVolatilityIndex,
		TypeLSRTopPosition,
		TypeLSRAllAccount,
	}
}

// SubscribedTypes returns the types consumed from the bus. Tickers have a
// table but no upstream publisher on the market data stream.
func SubscribedTypes() []DataType {
	return []DataType{
		TypeOrderbook,
		TypeTrade,
		TypeFundingRate,
		TypeOpenInterest,
		TypeLiquidation,
		TypeVolatilityIndex,
		TypeLSRTopPosition,
		TypeLSRAllAccount,
	}
}

// ParseDataType resolves a type name to its canonical form, accepting
// known aliases such as "orderbooks" for "orderbook".
func ParseDataType(name string) (DataType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := typeAliases[normalized]; ok {
		return alias, nil
	}
	dt := DataType(normalized)
	for _, known := range AllDataTypes() {
		if dt == known {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown data type: %q", name)
}

// BatchPolicy controls when a type's queue flushes: by accumulated size,
// by age of the oldest pending record, or by hard cap on queue depth.
type BatchPolicy struct {
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	MaxQueue  int           `yaml:"max_queue" json:"max_queue"`
}

// batchPolicies holds the per-type flush tuning. Low-frequency streams
// (funding, liquidations, vol index, LSR) flush near-immediately so a
// quiet market does not hold records hostage to a full batch.
var batchPolicies = map[DataType]BatchPolicy{
	TypeTrade:           {BatchSize: 500, Timeout: 1500 * time.Millisecond, MaxQueue: 5000},
	TypeOrderbook:       {BatchSize: 1000, Timeout: 2 * time.Second, MaxQueue: 10000},
	TypeFundingRate:     {BatchSize: 10, Timeout: 2 * time.Second, MaxQueue: 500},
	TypeOpenInterest:    {BatchSize: 50, Timeout: 10 * time.Second, MaxQueue: 500},
	TypeLiquidation:     {BatchSize: 5, Timeout: 10 * time.Second, MaxQueue: 200},
	TypeVolatilityIndex: {BatchSize: 1, Timeout: 1 * time.Second, MaxQueue: 50},
	TypeLSRTopPosition:  {BatchSize: 1, Timeout: 1 * time.Second, MaxQueue: 50},
	TypeLSRAllAccount:   {BatchSize: 1, Timeout: 1 * time.Second, MaxQueue: 50},
}

// DefaultBatchPolicy applies to types without specific tuning (ticker).
var DefaultBatchPolicy = BatchPolicy{BatchSize: 100, Timeout: 5 * time.Second, MaxQueue: 1000}

// PolicyFor returns the batch policy for a data type.
func PolicyFor(dt DataType) BatchPolicy {
	if p, ok := batchPolicies[dt]; ok {
		return p
	}
	return DefaultBatchPolicy
}
