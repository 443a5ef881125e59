package engine

import (
	"context"
	"time"
)

// autoEvictTimeout bounds one background auto-eviction run.
const autoEvictTimeout = 5 * time.Minute

// Start launches the background auto-eviction loop. It is a no-op after the
// first call.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.evictLoop()
	})
}

// Close stops the background loop and persists the counters. It does not
// close the store or the ledger.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.saveMetadata(context.Background())
	})
	return nil
}

func (e *Engine) interval() time.Duration {
	if e.schedulerTick > 0 {
		return e.schedulerTick
	}
	return e.settings.Values().AutoEvictionInterval
}

// evictLoop re-reads the interval every round so config changes apply
// without a restart.
func (e *Engine) evictLoop() {
	defer e.wg.Done()
	timer := time.NewTimer(e.interval())
	defer timer.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-timer.C:
			if e.settings.Values().AutoEvictionEnabled {
				e.runAutoEvict()
			}
			timer.Reset(e.interval())
		}
	}
}

func (e *Engine) runAutoEvict() {
	ctx, cancel := context.WithTimeout(context.Background(), autoEvictTimeout)
	defer cancel()
	if _, err := e.AutoEvict(ctx); err != nil {
		e.log.Error("auto eviction failed", "error", err)
	}
}
