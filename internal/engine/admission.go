package engine

import (
	"context"
	"sync"
	"time"
)

// beginGeneration admits one request to the instance's generation slot.
// Admission is strictly FCFS per model: the queue channel bounds how many
// callers may wait, and the slot channel serializes the pipeline. Returns a
// release func that must be called exactly once when the request is done.
func (e *Engine) beginGeneration(ctx context.Context, inst *instance) (func(), error) {
	select {
	case inst.queueCh <- struct{}{}:
	default:
		return nil, tooBusyError{modelID: inst.rec.ID}
	}

	timer := time.NewTimer(e.maxWait)
	defer timer.Stop()
	select {
	case inst.genCh <- struct{}{}:
	case <-timer.C:
		<-inst.queueCh
		return nil, tooBusyError{modelID: inst.rec.ID}
	case <-ctx.Done():
		<-inst.queueCh
		return nil, ctx.Err()
	}
	<-inst.queueCh
	inst.inflight.Add(1)
	inst.interrupt.Store(false)

	var once sync.Once
	release := func() {
		once.Do(func() {
			inst.inflight.Add(-1)
			e.mu.Lock()
			inst.lastUsed = time.Now()
			e.mu.Unlock()
			<-inst.genCh
		})
	}
	return release, nil
}
