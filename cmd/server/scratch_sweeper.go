package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type scratchSweeper interface {
	Sweep(now time.Time) int
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startScratchSweepWorker(ctx context.Context, logger *slog.Logger, sweeper scratchSweeper, interval time.Duration) func() {
	return startScratchSweepWorkerWithTicker(ctx, logger, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// startScratchSweepWorkerWithTicker removes released scratch files whose
// grace period has passed on every tick. The returned func stops the worker
// and waits for it to exit.
func startScratchSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper scratchSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C():
				if removed := sweeper.Sweep(now); removed > 0 && logger != nil {
					logger.Debug("swept scratch files", "count", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
