package browser

import "context"

// CombineContext derives a context from ctx1 that is also canceled when ctx2
// is. Values come from ctx1 only, which matters for chromedp: ctx1 carries the
// tab connection while ctx2 carries the caller's deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
