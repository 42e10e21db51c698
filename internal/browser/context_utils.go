package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries sessionCtx's values (the
// chromedp target) and is cancelled when either context is done. opCtx's
// deadline, if any, is carried over so chromedp sees it directly.
func CombineContext(sessionCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	var (
		combined context.Context
		cancel   context.CancelFunc
	)
	if deadline, ok := opCtx.Deadline(); ok {
		combined, cancel = context.WithDeadline(sessionCtx, deadline)
	} else {
		combined, cancel = context.WithCancel(sessionCtx)
	}

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context with ctx's values but none of its cancellation,
// for cleanup work such as a failure capture after the run deadline passed.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
