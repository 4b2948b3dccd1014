/*
Dirty pages have to be written out to disk before their frames are reused.
If that write happens on the eviction path, the thread that merely wanted a
free frame pays for someone else's modification. The background writer
flushes dirty pages ahead of time so evictions mostly find clean victims.
*/
package buffer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// delay between rounds
	defaultBgWriterDelay = 200 * time.Millisecond
	// at most this many pages are written per round, to bound the I/O burst
	bgWriterMaxPages = 100
)

// BackgroundWriter periodically writes back dirty pages of a parallel pool
type BackgroundWriter struct {
	pm     *ParallelManager
	delay  time.Duration
	logger *zap.Logger
}

// NewBackgroundWriter initializes a background writer.
// delay <= 0 selects the default round delay.
func NewBackgroundWriter(pm *ParallelManager, delay time.Duration, logger *zap.Logger) *BackgroundWriter {
	if delay <= 0 {
		delay = defaultBgWriterDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackgroundWriter{pm: pm, delay: delay, logger: logger}
}

// Run flushes dirty pages in rounds until the context is cancelled
func (bw *BackgroundWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(bw.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := bw.writeRound(); n > 0 {
				bw.logger.Debug("background writer round", zap.Int("pages", n))
			}
		}
	}
}

// writeRound writes back at most bgWriterMaxPages dirty pages, taking them
// from the pool instances in order until the budget is spent, and returns
// how many were written
func (bw *BackgroundWriter) writeRound() int {
	budget := bgWriterMaxPages
	written := 0
	for _, inst := range bw.pm.instances {
		if budget <= 0 {
			break
		}
		inst.mu.Lock()
		n := inst.flushDirty(budget)
		inst.mu.Unlock()
		budget -= n
		written += n
	}
	return written
}
