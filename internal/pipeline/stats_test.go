package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketprism/storage/internal/clickhouse"
)

func TestStats_Snapshot(t *testing.T) {
	s := NewStats()

	s.MessageReceived()
	s.MessageReceived()
	s.MessageReceived()
	s.MessagesStored(2)
	s.MessageFailed()

	s.WriteStarted()
	s.WriteSucceeded(2)
	s.WriteStarted()
	s.WriteFailed()
	s.WriteRetried()
	s.RowsDropped(1)
	s.Reconnected()

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.MessagesReceived)
	assert.Equal(t, int64(2), snap.MessagesStored)
	assert.Equal(t, int64(1), snap.MessagesFailed)
	assert.Equal(t, int64(2), snap.TotalWrites)
	assert.Equal(t, int64(1), snap.SuccessfulWrites)
	assert.Equal(t, int64(1), snap.FailedWrites)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(2), snap.RowsWritten)
	assert.Equal(t, int64(1), snap.RowsDropped)
	assert.Equal(t, int64(1), snap.Reconnects)
	assert.Greater(t, snap.ThroughputPerSec, 0.0)
	assert.Greater(t, snap.UptimeSeconds, 0.0)
}

func TestStats_ErrorWindowCounts(t *testing.T) {
	s := NewStats()
	s.StoreErrorObserved(clickhouse.KindTransient)
	s.StoreErrorObserved(clickhouse.KindTransient)
	s.StoreErrorObserved(clickhouse.KindRateLimit)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.ErrorsByType["transient"])
	assert.Equal(t, int64(1), snap.ErrorsByType["rate_limit"])
}

func TestStats_ErrorWindowExpires(t *testing.T) {
	s := NewStats()
	s.window = newErrorWindow(20 * time.Millisecond)

	s.StoreErrorObserved(clickhouse.KindTransient)
	assert.Equal(t, int64(1), s.Snapshot().ErrorsByType["transient"])

	time.Sleep(30 * time.Millisecond)
	s.StoreErrorObserved(clickhouse.KindRateLimit)

	snap := s.Snapshot()
	assert.Zero(t, snap.ErrorsByType["transient"], "outside the rolling window")
	assert.Equal(t, int64(1), snap.ErrorsByType["rate_limit"])
}
