package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// fieldAliases maps upstream field spellings to the declared column names.
// Collectors disagree on some names; normalization settles them here.
var fieldAliases = map[string]string{
	"current_funding_rate": "funding_rate",
	"volatility_index":     "vol_index",
	"seqId":                "seq_id",
	"qty":                  "quantity",
}

// defaultMarketTypes supplies a market type when the publisher omits one.
// Derivative-only streams default to perpetual; volatility indices are an
// options product.
var defaultMarketTypes = map[DataType]string{
	TypeTrade:           MarketSpot,
	TypeOrderbook:       MarketSpot,
	TypeTicker:          MarketSpot,
	TypeFundingRate:     MarketPerpetual,
	TypeOpenInterest:    MarketPerpetual,
	TypeLiquidation:     MarketPerpetual,
	TypeVolatilityIndex: MarketOptions,
	TypeLSRTopPosition:  MarketPerpetual,
	TypeLSRAllAccount:   MarketPerpetual,
}

// ParseRecord deserializes one bus message body into a Record for the
// given data type, applying field-alias normalization, envelope defaults,
// timestamp parsing, and numeric coercion.
func ParseRecord(dt DataType, body []byte) (*Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}
	return NormalizeRecord(dt, raw)
}

// NormalizeRecord builds a Record from already-decoded fields. Exported
// separately so tests and replays can feed maps directly.
func NormalizeRecord(dt DataType, raw map[string]any) (*Record, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if canonical, ok := fieldAliases[k]; ok {
			k = canonical
		}
		fields[k] = v
	}

	rec := &Record{
		Type:       dt,
		Exchange:   popString(fields, "exchange"),
		MarketType: popString(fields, "market_type"),
		Symbol:     popString(fields, "symbol"),
	}
	if rec.MarketType == "" {
		rec.MarketType = defaultMarketTypes[dt]
	}

	tsRaw, ok := fields["timestamp"]
	if !ok {
		return nil, fmt.Errorf("record missing timestamp")
	}
	delete(fields, "timestamp")
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	rec.Timestamp = ts

	if err := coerceFields(dt, fields); err != nil {
		return nil, err
	}
	rec.Fields = fields

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// coerceFields converts payload values to the declared column shapes:
// numeric strings become floats, nested structures destined for String
// columns are re-encoded as JSON, and DateTime payloads are reformatted.
func coerceFields(dt DataType, fields map[string]any) error {
	for _, col := range payloadColumns[dt] {
		v, ok := fields[col.Name]
		if !ok {
			continue
		}
		switch {
		case numericColumn(col):
			f, err := toFloat(v)
			if err != nil {
				return fmt.Errorf("field %s: %w", col.Name, err)
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("field %s: non-finite value", col.Name)
			}
			fields[col.Name] = f
		case strings.HasPrefix(col.Type, "DateTime"):
			ts, err := parseTimestamp(v)
			if err != nil {
				return fmt.Errorf("field %s: %w", col.Name, err)
			}
			fields[col.Name] = ts.UTC().Format(StoreTimeFormat)
		case col.Type == "String":
			switch val := v.(type) {
			case string:
			case []any, map[string]any:
				encoded, err := json.Marshal(val)
				if err != nil {
					return fmt.Errorf("field %s: %w", col.Name, err)
				}
				fields[col.Name] = string(encoded)
			default:
				fields[col.Name] = fmt.Sprintf("%v", val)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

// parseTimestamp accepts the timestamp shapes seen across collectors:
// RFC3339 with or without sub-seconds, the store's own layout, and epoch
// values in either milliseconds or seconds.
func parseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, StoreTimeFormat, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, val); err == nil {
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return epochToTime(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", val)
	case float64:
		return epochToTime(val), nil
	case int64:
		return epochToTime(float64(val)), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return epochToTime(f), nil
	case time.Time:
		return val.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unrecognized timestamp type: %T", v)
	}
}

// epochToTime treats values above 1e12 as milliseconds, otherwise seconds.
func epochToTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	frac := f - float64(sec)
	return time.Unix(sec, int64(frac*float64(time.Second))).UTC()
}

func popString(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	delete(fields, key)
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
