package offlinegw

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger drops warnings that arrive within interval of the previous
// one and counts them, so a full cache cannot flood the log.
type rateLimitedLogger struct {
	log      *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := l.suppressed
	l.lastAt = now
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	l.log.Warn(msg, fields...)
}
