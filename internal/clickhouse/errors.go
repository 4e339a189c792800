package clickhouse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrorKind classifies a store failure for retry decisions.
type ErrorKind string

const (
	// KindTransient covers 5xx responses, connect timeouts, and body read
	// timeouts. Retryable with standard backoff.
	KindTransient ErrorKind = "transient"

	// KindRateLimit covers throttling responses. Retryable with a longer
	// base delay.
	KindRateLimit ErrorKind = "rate_limit"

	// KindReject covers 4xx responses carrying a store error code. Whether
	// a reject is retryable depends on the code.
	KindReject ErrorKind = "reject"

	// KindPermanent covers 4xx responses without retryable semantics.
	KindPermanent ErrorKind = "permanent"

	// KindSchemaMismatch means declared columns diverge from the payload.
	// Never retried at batch level; triggers row-by-row isolation.
	KindSchemaMismatch ErrorKind = "schema_mismatch"
)

// ErrPoolExhausted is returned when no pool handle frees up within the
// acquire wait budget. Counts as transient for retry purposes.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// StoreError is a classified failure from the columnar store.
type StoreError struct {
	Kind       ErrorKind
	StatusCode int
	Code       int // store exception code, 0 when absent
	Message    string
}

func (e *StoreError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("store %s (http %d, code %d): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("store %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Store exception codes with retry semantics. The throttling codes mean
// the server is alive but shedding load; the mismatch codes mean the
// payload will never parse no matter how often it is resent.
var (
	rateLimitCodes = map[int]bool{
		202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
		252: true, // TOO_MANY_PARTS
	}
	transientCodes = map[int]bool{
		159: true, // TIMEOUT_EXCEEDED
		209: true, // SOCKET_TIMEOUT
		241: true, // MEMORY_LIMIT_EXCEEDED
	}
	schemaMismatchCodes = map[int]bool{
		6:   true, // CANNOT_PARSE_TEXT
		16:  true, // NO_SUCH_COLUMN_IN_TABLE
		27:  true, // CANNOT_PARSE_INPUT_ASSUMED_NOT_EMPTY
		53:  true, // TYPE_MISMATCH
		117: true, // INCORRECT_DATA
	}
)

var exceptionCodePattern = regexp.MustCompile(`Code:\s*(\d+)`)

// Classify maps an HTTP response from the store to a StoreError. The
// exception code is taken from the dedicated header when present, else
// parsed out of the error body.
func Classify(statusCode int, headerCode string, body []byte) *StoreError {
	code := parseExceptionCode(headerCode, body)
	se := &StoreError{
		StatusCode: statusCode,
		Code:       code,
		Message:    truncate(string(body), 512),
	}

	switch {
	case statusCode == 429:
		se.Kind = KindRateLimit
	case statusCode >= 500:
		se.Kind = KindTransient
	case code != 0 && schemaMismatchCodes[code]:
		se.Kind = KindSchemaMismatch
	case code != 0 && rateLimitCodes[code]:
		se.Kind = KindRateLimit
	case code != 0 && transientCodes[code]:
		se.Kind = KindTransient
	case code != 0:
		se.Kind = KindReject
	default:
		se.Kind = KindPermanent
	}
	return se
}

// TransportError wraps a network-level failure (dial, TLS, read) as a
// transient store error.
func TransportError(err error) *StoreError {
	return &StoreError{Kind: KindTransient, Message: err.Error()}
}

// IsRetryable reports whether the error warrants another attempt at batch
// level: transient and rate-limit kinds, plus pool exhaustion.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == KindTransient || se.Kind == KindRateLimit
	}
	return false
}

// IsRateLimit reports whether the error calls for the longer backoff base.
func IsRateLimit(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindRateLimit
}

// IsSchemaMismatch reports whether the payload can never be accepted as-is.
func IsSchemaMismatch(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindSchemaMismatch
}

// KindOf extracts the error kind for counters; unclassified errors report
// as transient since they are network-level by construction.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrPoolExhausted) {
		return KindTransient
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func parseExceptionCode(headerCode string, body []byte) int {
	if headerCode != "" {
		if code, err := strconv.Atoi(headerCode); err == nil {
			return code
		}
	}
	if m := exceptionCodePattern.FindSubmatch(body); m != nil {
		code, _ := strconv.Atoi(string(m[1]))
		return code
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
