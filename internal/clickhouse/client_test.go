package clickhouse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return NewClient(Config{
		Host:           u.Hostname(),
		Port:           port,
		User:           "writer",
		Password:       "secret",
		Database:       "marketprism",
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
	})
}

func TestClient_Execute(t *testing.T) {
	var gotSQL, gotDatabase, gotUser string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSQL = string(body)
		gotDatabase = r.URL.Query().Get("database")
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	})

	err := client.Execute(context.Background(), "CREATE DATABASE IF NOT EXISTS marketprism")
	require.NoError(t, err)

	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS marketprism", gotSQL)
	assert.Equal(t, "marketprism", gotDatabase)
	assert.Equal(t, "writer", gotUser)
}

func TestClient_ExecuteTransient(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := client.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_ExecuteSchemaMismatch(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ClickHouse-Exception-Code", "53")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "Code: 53. DB::Exception: Type mismatch in column price")
	})

	err := client.Execute(context.Background(), "INSERT INTO t VALUES (1)")
	require.Error(t, err)
	assert.True(t, IsSchemaMismatch(err))
	assert.False(t, IsRetryable(err))
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{Host: "127.0.0.1", Port: 1, RequestTimeout: 500 * time.Millisecond})

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_Query(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "FORMAT JSON")
		io.WriteString(w, `{"meta":[{"name":"c","type":"UInt64"}],"data":[{"c":"12345"}],"rows":1}`)
	})

	result, err := client.Query(context.Background(), "SELECT count() AS c FROM hot_trades")
	require.NoError(t, err)

	require.Len(t, result.Data, 1)
	count, err := result.ScalarUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), count)
}

func TestClient_InsertJSONEachRow(t *testing.T) {
	var gotQuery, gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = r.URL.Query().Get("query")
		gotBody = string(body)
	})

	rows := []map[string]any{
		{"exchange": "binance", "symbol": "BTCUSDT", "price": 50000.0, "ignored": true},
		{"exchange": "okx", "symbol": "ETHUSDT", "price": 3000.5},
	}
	err := client.Insert(context.Background(), "marketprism.hot_trades", []string{"exchange", "symbol", "price"}, rows, FormatJSONEachRow)
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO marketprism.hot_trades (exchange, symbol, price) FORMAT JSONEachRow", gotQuery)

	lines := strings.Split(strings.TrimSpace(gotBody), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"exchange":"binance","symbol":"BTCUSDT","price":50000}`, lines[0])
	assert.JSONEq(t, `{"exchange":"okx","symbol":"ETHUSDT","price":3000.5}`, lines[1])
}

func TestClient_InsertValues(t *testing.T) {
	var gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	})

	rows := []map[string]any{
		{"symbol": "BTC'USDT", "price": 50000.0, "depth": uint64(20)},
	}
	err := client.Insert(context.Background(), "hot_trades", []string{"symbol", "price", "depth"}, rows, FormatValues)
	require.NoError(t, err)

	assert.Equal(t, `INSERT INTO hot_trades (symbol, price, depth) VALUES ('BTC\'USDT', 50000, 20)`, gotBody)
}

func TestClient_InsertEmptyBatchNoCall(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	err := client.Insert(context.Background(), "hot_trades", []string{"symbol"}, nil, FormatJSONEachRow)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestClient_InsertRaw(t *testing.T) {
	var gotQuery, gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = r.URL.Query().Get("query")
		gotBody = string(body)
	})

	payload := []byte(`{"exchange":"binance","symbol":"BTCUSDT"}` + "\n")
	err := client.InsertRaw(context.Background(), "marketprism.cold_trades", payload)
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO marketprism.cold_trades FORMAT JSONEachRow", gotQuery)
	assert.Equal(t, string(payload), gotBody)
}
