package offlinegw

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks response sizes served through a strategy for the
// periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	bySource       [sourceCount]atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	if i := src.index(); i >= 0 {
		s.bySource[i].Add(1)
	}

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	BySource       map[Source]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	by := make(map[Source]uint64, sourceCount)
	for i, src := range allSources {
		by[src] = s.bySource[i].Load()
	}
	return statsSnapshot{
		TotalResponses: count,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
		BySource:       by,
	}
}
