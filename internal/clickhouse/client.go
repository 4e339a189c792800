package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Format selects the wire encoding of a bulk insert.
type Format int

const (
	// FormatValues sends rows as SQL tuples matching declared columns.
	FormatValues Format = iota
	// FormatJSONEachRow sends one JSON object per row.
	FormatJSONEachRow
)

// Config holds one store endpoint. The engine runs two configured
// instances of the same client type, one per tier.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the default hot-tier endpoint configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           8123,
		User:           "default",
		Database:       "marketprism",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client executes statements and bulk inserts against the store's HTTP
// endpoint. It holds no retry logic; retries belong to the tier writer.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for one endpoint. The transport respects an
// ambient proxy configuration.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:     cfg,
		baseURL: fmt.Sprintf("http://%s:%d/", cfg.Host, cfg.Port),
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}
}

// Database returns the endpoint's default database.
func (c *Client) Database() string {
	return c.cfg.Database
}

// Execute runs one statement with no result rows.
func (c *Client) Execute(ctx context.Context, sql string) error {
	_, err := c.post(ctx, "", []byte(sql))
	return err
}

// QueryResult holds the parsed rows of a JSON-format query response.
type QueryResult struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
	Rows int              `json:"rows"`
}

// ScalarUint64 returns the first column of the first row as an unsigned
// integer. The store renders 64-bit integers as JSON strings.
func (qr *QueryResult) ScalarUint64() (uint64, error) {
	if len(qr.Data) == 0 {
		return 0, fmt.Errorf("empty result")
	}
	for _, v := range qr.Data[0] {
		return AsUint64(v)
	}
	return 0, fmt.Errorf("empty row")
}

// AsUint64 coerces a JSON-decoded store value to uint64.
func AsUint64(v any) (uint64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseUint(val, 10, 64)
	case float64:
		return uint64(val), nil
	case json.Number:
		n, err := val.Int64()
		return uint64(n), err
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// Query runs one statement and streams rows back as JSON.
func (c *Client) Query(ctx context.Context, sql string) (*QueryResult, error) {
	if !strings.Contains(strings.ToUpper(sql), "FORMAT ") {
		sql += " FORMAT JSON"
	}
	body, err := c.post(ctx, "", []byte(sql))
	if err != nil {
		return nil, err
	}

	var result QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	return &result, nil
}

// QueryRaw runs one statement and returns the raw response body. Callers
// choose their own FORMAT clause; migration relays JSONEachRow pages
// between tiers without re-marshaling.
func (c *Client) QueryRaw(ctx context.Context, sql string) ([]byte, error) {
	return c.post(ctx, "", []byte(sql))
}

// Insert performs one bulk insert in the requested format. Rows must carry
// values for the declared columns; extra keys are ignored.
func (c *Client) Insert(ctx context.Context, table string, columns []string, rows []map[string]any, format Format) error {
	if len(rows) == 0 {
		return nil
	}

	switch format {
	case FormatJSONEachRow:
		query := fmt.Sprintf("INSERT INTO %s (%s) FORMAT JSONEachRow", table, strings.Join(columns, ", "))
		payload, err := encodeJSONEachRow(columns, rows)
		if err != nil {
			return err
		}
		_, err = c.post(ctx, query, payload)
		return err
	case FormatValues:
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
		payload, err := encodeValues(columns, rows)
		if err != nil {
			return err
		}
		_, err = c.post(ctx, "", append([]byte(query), payload...))
		return err
	default:
		return fmt.Errorf("unknown insert format: %d", format)
	}
}

// InsertRaw sends pre-encoded JSON-each-row lines, used by migration to
// relay pages between tiers without re-marshaling.
func (c *Client) InsertRaw(ctx context.Context, table string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)
	_, err := c.post(ctx, query, payload)
	return err
}

// Ping verifies connectivity with a trivial query.
func (c *Client) Ping(ctx context.Context) error {
	return c.Execute(ctx, "SELECT 1")
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// post sends one request. When query is non-empty it rides the URL and the
// body carries insert data; otherwise the body is the statement itself.
// wait_end_of_query forces the server to buffer so failures surface in the
// HTTP status instead of a truncated 200 stream.
func (c *Client) post(ctx context.Context, query string, body []byte) ([]byte, error) {
	params := url.Values{}
	if c.cfg.Database != "" {
		params.Set("database", c.cfg.Database)
	}
	params.Set("wait_end_of_query", "1")
	if query != "" {
		params.Set("query", query)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+params.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, TransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, Classify(resp.StatusCode, resp.Header.Get("X-ClickHouse-Exception-Code"), respBody)
	}
	return respBody, nil
}

func encodeJSONEachRow(columns []string, rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for _, row := range rows {
		filtered := make(map[string]any, len(columns))
		for _, col := range columns {
			if v, ok := row[col]; ok {
				filtered[col] = v
			}
		}
		line, err := json.Marshal(filtered)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func encodeValues(columns []string, rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteByte('(')
		for j, col := range columns {
			if j > 0 {
				buf.WriteString(", ")
			}
			if err := writeValue(&buf, row[col]); err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
		}
		buf.WriteByte(')')
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("NULL")
	case string:
		buf.WriteByte('\'')
		buf.WriteString(EscapeString(val))
		buf.WriteByte('\'')
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case bool:
		if val {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	case time.Time:
		buf.WriteByte('\'')
		buf.WriteString(val.UTC().Format("2006-01-02 15:04:05.000"))
		buf.WriteByte('\'')
	default:
		return fmt.Errorf("unsupported value type: %T", v)
	}
	return nil
}

// EscapeString escapes a value for use inside a single-quoted SQL
// literal.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}
