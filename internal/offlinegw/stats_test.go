package offlinegw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Zero(t, s.Snapshot().TotalResponses)

	s.Observe(SourceHit, 100)
	s.Observe(SourceHit, 300)
	s.Observe(SourceNetwork, 200)
	s.Observe(SourceStale, -5)

	ss := s.Snapshot()
	assert.EqualValues(t, 4, ss.TotalResponses)
	assert.EqualValues(t, 0, ss.MinRespBytes)
	assert.EqualValues(t, 300, ss.MaxRespBytes)
	assert.EqualValues(t, 150, ss.AvgRespBytes)
	assert.EqualValues(t, 2, ss.BySource[SourceHit])
	assert.EqualValues(t, 1, ss.BySource[SourceNetwork])
	assert.EqualValues(t, 0, ss.BySource[SourceMiss])
}

func TestRateLimitedLoggerSuppresses(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), 50*time.Millisecond)

	l.Warn("cache write failed")
	l.Warn("cache write failed")
	l.Warn("cache write failed")
	require.Equal(t, 1, logs.Len())

	time.Sleep(60 * time.Millisecond)
	l.Warn("cache write failed")
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 2, entries[1].ContextMap()["suppressed"])
}
