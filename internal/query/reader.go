// Package query serves point lookups against the hot tier for the admin
// surface. Reads are cache-fronted; the ingest path never waits on them.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marketprism/storage/internal/cache"
	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/schema"
)

// ErrNotFound reports that no row matched the lookup.
var ErrNotFound = errors.New("no matching records")

type store interface {
	Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error)
}

// Reader answers latest-record lookups from the hot tier.
type Reader struct {
	store    store
	cache    *cache.Cache
	database string
}

// NewReader wires a reader over the hot store. The cache may be a
// disabled no-op.
func NewReader(st store, c *cache.Cache, database string) *Reader {
	return &Reader{store: st, cache: c, database: database}
}

// ReadLatest returns the most recent record for one (exchange, symbol)
// pair, consulting the look-aside cache first and populating it on miss.
func (r *Reader) ReadLatest(ctx context.Context, dt models.DataType, exchange, symbol string) (*models.Record, error) {
	if rec, ok := r.cache.GetLatest(ctx, dt, exchange, symbol); ok {
		return rec, nil
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = '%s' AND symbol = '%s' ORDER BY timestamp DESC LIMIT 1",
		strings.Join(schema.InsertColumns(dt), ", "),
		schema.QualifiedTable(r.database, schema.TierHot, dt),
		clickhouse.EscapeString(exchange),
		clickhouse.EscapeString(symbol),
	)

	res, err := r.store.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("latest %s lookup failed: %w", dt, err)
	}
	if len(res.Data) == 0 {
		return nil, ErrNotFound
	}

	rec, err := models.NormalizeRecord(dt, res.Data[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored %s row: %w", dt, err)
	}

	r.cache.SetLatest(ctx, rec)
	return rec, nil
}
