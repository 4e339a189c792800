package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Market types carried in the record envelope.
const (
	MarketSpot      = "spot"
	MarketPerpetual = "perpetual"
	MarketOptions   = "options"
)

// StoreTimeFormat is the timestamp layout the columnar store accepts for
// DateTime64(3) columns.
const StoreTimeFormat = "2006-01-02 15:04:05.000"

// Record is one normalized market-data record awaiting persistence. It is
// immutable once enqueued; the envelope fields are always present, payload
// fields vary by type.
type Record struct {
	Type       DataType
	Exchange   string
	MarketType string
	Symbol     string
	Timestamp  time.Time
	Fields     map[string]any
}

// Subject returns the bus routing key this record maps to.
func (r *Record) Subject() string {
	return fmt.Sprintf("%s.%s.%s.%s", r.Type, r.Exchange, r.MarketType, r.Symbol)
}

// Row flattens the record into a column-keyed object suitable for a
// JSON-each-row insert. Unknown payload fields are dropped so the object
// always matches the declared columns.
func (r *Record) Row() map[string]any {
	row := map[string]any{
		"exchange":    r.Exchange,
		"market_type": r.MarketType,
		"symbol":      r.Symbol,
		"timestamp":   r.Timestamp.UTC().Format(StoreTimeFormat),
	}
	for _, col := range payloadColumns[r.Type] {
		if v, ok := r.Fields[col.Name]; ok {
			row[col.Name] = v
		}
	}
	return row
}

// Values returns the record's column values in declared column order, for
// row-tuple inserts.
func (r *Record) Values() []any {
	cols := Columns(r.Type)
	values := make([]any, 0, len(cols))
	row := r.Row()
	for _, col := range cols {
		values = append(values, row[col.Name])
	}
	return values
}

// Digest returns a short stable hash of the record's row content, used to
// identify dropped poison rows in logs without dumping full payloads.
func (r *Record) Digest() string {
	row := r.Row()
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, row[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Validate checks the envelope invariants.
func (r *Record) Validate() error {
	if r.Exchange == "" {
		return fmt.Errorf("record missing exchange")
	}
	if r.Symbol == "" {
		return fmt.Errorf("record missing symbol")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record missing timestamp")
	}
	switch r.MarketType {
	case MarketSpot, MarketPerpetual, MarketOptions:
	default:
		return fmt.Errorf("invalid market_type: %q", r.MarketType)
	}
	return nil
}

// MarshalJSON renders the record as its flattened row object.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Row())
}
