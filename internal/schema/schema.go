package schema

import (
	"fmt"
	"strings"

	"github.com/marketprism/storage/internal/models"
)

// Tier selects the hot or cold table family. Both tiers share one schema
// shape and differ only in partition grain, codec, and retention.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// tableBases maps each data type to its table base name. Tier prefixes
// produce the physical names (hot_trades, cold_trades).
var tableBases = map[models.DataType]string{
	models.TypeTrade:           "trades",
	models.TypeOrderbook:       "orderbooks",
	models.TypeTicker:          "tickers",
	models.TypeFundingRate:     "funding_rates",
	models.TypeOpenInterest:    "open_interests",
	models.TypeLiquidation:     "liquidations",
	models.TypeVolatilityIndex: "volatility_indices",
	models.TypeLSRTopPosition:  "lsr_top_positions",
	models.TypeLSRAllAccount:   "lsr_all_accounts",
}

// TableName returns the tier-prefixed physical table name.
func TableName(tier Tier, dt models.DataType) string {
	return fmt.Sprintf("%s_%s", tier, tableBases[dt])
}

// QualifiedTable returns the database-qualified table name.
func QualifiedTable(database string, tier Tier, dt models.DataType) string {
	return fmt.Sprintf("%s.%s", database, TableName(tier, dt))
}

// ColdTableFor renames a hot table to its cold counterpart.
func ColdTableFor(hotTable string) string {
	return "cold_" + strings.TrimPrefix(hotTable, "hot_")
}

// DataTypeForTable resolves a physical table name back to its data type.
func DataTypeForTable(table string) (models.DataType, bool) {
	base := strings.TrimPrefix(strings.TrimPrefix(table, "hot_"), "cold_")
	for dt, b := range tableBases {
		if b == base {
			return dt, true
		}
	}
	return "", false
}

// TierConfig carries the per-tier schema knobs.
type TierConfig struct {
	Database string `yaml:"database"`
	TTLDays  int    `yaml:"ttl_days"`
	Codec    string `yaml:"codec"`
}

// DefaultHotTierConfig keeps three days of day-partitioned data under a
// fast codec.
func DefaultHotTierConfig() TierConfig {
	return TierConfig{Database: "marketprism", TTLDays: 3, Codec: "LZ4"}
}

// DefaultColdTierConfig keeps a year of month-partitioned data under a
// high-ratio codec.
func DefaultColdTierConfig() TierConfig {
	return TierConfig{Database: "marketprism", TTLDays: 365, Codec: "ZSTD(3)"}
}

// BuildDatabaseDDL returns the idempotent database creation statement.
func BuildDatabaseDDL(database string) string {
	return fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)
}

// BuildTableDDL returns the idempotent table creation statement for one
// data type on one tier.
//
// Both tiers collapse redelivered duplicates through a replacing merge on
// the natural key. TTL is evaluated against the wall-clock insert time so
// producer clock skew cannot prematurely expire rows. Hot partitions are
// day+exchange for cheap drops; cold partitions are month+exchange for
// scan throughput.
func BuildTableDDL(tier Tier, cfg TierConfig, dt models.DataType) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", QualifiedTable(cfg.Database, tier, dt))

	for _, col := range models.Columns(dt) {
		fmt.Fprintf(&b, "    %s %s CODEC(%s),\n", col.Name, col.Type, cfg.Codec)
	}
	fmt.Fprintf(&b, "    insert_time DateTime DEFAULT now(),\n")
	fmt.Fprintf(&b, "    INDEX idx_timestamp timestamp TYPE minmax GRANULARITY 4,\n")
	fmt.Fprintf(&b, "    INDEX idx_symbol symbol TYPE bloom_filter(0.01) GRANULARITY 4\n")
	b.WriteString(") ENGINE = ReplacingMergeTree()\n")

	if tier == TierHot {
		b.WriteString("PARTITION BY (toYYYYMMDD(timestamp), exchange)\n")
	} else {
		b.WriteString("PARTITION BY (toYYYYMM(timestamp), exchange)\n")
	}

	fmt.Fprintf(&b, "ORDER BY (%s)\n", strings.Join(models.NaturalKey(dt), ", "))
	fmt.Fprintf(&b, "TTL insert_time + INTERVAL %d DAY\n", cfg.TTLDays)
	b.WriteString("SETTINGS index_granularity = 8192")

	return b.String()
}

// InsertColumns returns the column names sent on writes. The insert-time
// column is omitted; the store defaults it.
func InsertColumns(dt models.DataType) []string {
	cols := models.Columns(dt)
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	return names
}
