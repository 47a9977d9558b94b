package action

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// BatchResult is one element of an InvokeAll/InvokeStream result (§4.G):
// exactly one of Data/Err is meaningful, carrying the originating payload's
// position so InvokeStream's completion-ordered results can still be
// correlated back to their input.
type BatchResult[Out any] struct {
	Index int
	Data  Out
	Err   error
}

func (a *Action[In, Out]) batchOptions(opts []InvokeOptions, batchID string) InvokeOptions {
	var o InvokeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o.BatchID = &batchID
	return o
}

// InvokeAll runs one invocation per payload, all sharing a batch-id and
// the same priority/metadata, and returns once every invocation has
// settled — indexed by input position. One failure never cancels siblings
// (§4.G).
func (a *Action[In, Out]) InvokeAll(ctx context.Context, payloads []In, opts ...InvokeOptions) []BatchResult[Out] {
	batchID := xid.New().String()
	n := len(payloads)
	results := make([]BatchResult[Out], n)

	progress := a.newBatchProgress(n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i, payload := range payloads {
		go func(i int, payload In) {
			defer wg.Done()
			handle := a.Invoke(ctx, payload, a.batchOptions(opts, batchID))
			outcome := <-handle.Result()
			results[i] = BatchResult[Out]{Index: i, Data: outcome.Value, Err: outcome.Err}
			progress.tick()
		}(i, payload)
	}
	wg.Wait()

	return results
}

// InvokeStream runs one invocation per payload and streams results back in
// completion order on the returned channel, which closes once every
// invocation has settled (§4.G "lazy, finite sequence").
func (a *Action[In, Out]) InvokeStream(ctx context.Context, payloads []In, opts ...InvokeOptions) <-chan BatchResult[Out] {
	batchID := xid.New().String()
	n := len(payloads)
	out := make(chan BatchResult[Out], n)

	progress := a.newBatchProgress(n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i, payload := range payloads {
		go func(i int, payload In) {
			defer wg.Done()
			handle := a.Invoke(ctx, payload, a.batchOptions(opts, batchID))
			outcome := <-handle.Result()
			progress.tick()
			out <- BatchResult[Out]{Index: i, Data: outcome.Value, Err: outcome.Err}
		}(i, payload)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// batchProgress tracks completed/total across a batch's children and
// drives the action's progress observer using the same throttle rules as
// §4.D, even when no child handler ever calls SetTotal/ReportProgress
// itself (§4.G "Batch-level progress").
type batchProgress struct {
	ic *InvocationContext
}

func (a *Action[In, Out]) newBatchProgress(total int) *batchProgress {
	a.mu.Lock()
	onProgress := a.onProgress
	throttle := a.progressThrottle
	a.mu.Unlock()

	ic := newRootInvocationContext()
	ic.configureProgress(onProgress, throttle)
	ic.SetTotal(total)

	return &batchProgress{ic: ic}
}

// tick is safe for concurrent use — InvocationContext methods already
// synchronize internally.
func (bp *batchProgress) tick() {
	bp.ic.IncrementProgress("")
}
