package postgres

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// healthChecker is the slice of Pool the keep-alive needs.
type healthChecker interface {
	Health(ctx context.Context, timeout time.Duration) error
	Close()
}

// KeepAlive periodically verifies pool connectivity and closes the pool on
// shutdown. It implements server.Service.
type KeepAlive struct {
	db       healthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewKeepAlive wraps pool in a keep-alive service probing it every interval.
func NewKeepAlive(pool *Pool, interval, timeout time.Duration, logger *zap.Logger) *KeepAlive {
	return newKeepAlive(pool, interval, timeout, logger)
}

func newKeepAlive(db healthChecker, interval, timeout time.Duration, logger *zap.Logger) *KeepAlive {
	return &KeepAlive{
		db:       db,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start probes the pool until Stop, then closes it. Blocks.
func (k *KeepAlive) Start() error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := k.db.Health(context.Background(), k.timeout); err != nil {
				k.logger.Warn("database health check failed", zap.Error(err))
			}
		case <-k.done:
			k.db.Close()
			return nil
		}
	}
}

// Stop terminates the probe loop.
func (k *KeepAlive) Stop() {
	close(k.done)
}
