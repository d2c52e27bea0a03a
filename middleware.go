package benteng

import (
	"context"
	"net/http"
	"time"
)

// RequestHook transforms a request before the transport call. Returning an
// error aborts the request.
type RequestHook func(ctx context.Context, req *http.Request) (*http.Request, error)

// ResponseHook transforms a response after the transport call.
type ResponseHook func(ctx context.Context, resp *http.Response) (*http.Response, error)

// ErrorHook observes a terminal transport error. Observers cannot change
// the outcome.
type ErrorHook func(ctx context.Context, req *http.Request, err error)

// hookSet is the registered, ordered extension points around the transport
// call. Each hook runs with a bounded timeout so a slow handler cannot
// stall the pipeline.
type hookSet struct {
	requestHooks  []RequestHook
	responseHooks []ResponseHook
	errorHooks    []ErrorHook
	timeout       time.Duration
}

const defaultHookTimeout = 5 * time.Second

func (h *hookSet) hookTimeout() time.Duration {
	if h.timeout > 0 {
		return h.timeout
	}
	return defaultHookTimeout
}

// runRequestHooks applies request hooks in registration order.
func (h *hookSet) runRequestHooks(ctx context.Context, req *http.Request) (*http.Request, error) {
	for _, hook := range h.requestHooks {
		transformed, err := runBounded(ctx, h.hookTimeout(), func(hctx context.Context) (*http.Request, error) {
			return hook(hctx, req)
		})
		if err != nil {
			return nil, err
		}
		if transformed != nil {
			req = transformed
		}
	}
	return req, nil
}

// runResponseHooks applies response hooks in registration order.
func (h *hookSet) runResponseHooks(ctx context.Context, resp *http.Response) (*http.Response, error) {
	for _, hook := range h.responseHooks {
		transformed, err := runBounded(ctx, h.hookTimeout(), func(hctx context.Context) (*http.Response, error) {
			return hook(hctx, resp)
		})
		if err != nil {
			return nil, err
		}
		if transformed != nil {
			resp = transformed
		}
	}
	return resp, nil
}

// runErrorHooks notifies error observers in registration order. Observer
// timeouts are swallowed; observation must not alter the outcome.
func (h *hookSet) runErrorHooks(ctx context.Context, req *http.Request, cause error) {
	for _, hook := range h.errorHooks {
		_, _ = runBounded(ctx, h.hookTimeout(), func(hctx context.Context) (struct{}, error) {
			hook(hctx, req, cause)
			return struct{}{}, nil
		})
	}
}

// runBounded runs fn with a deadline-bearing context and abandons it with
// ErrHookTimeout if it overruns. The abandoned goroutine keeps its context
// cancelled so well-behaved hooks unwind promptly.
func runBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn(hctx)
		ch <- result{val, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-hctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrHookTimeout
	}
}

// executeMiddleware runs the middleware chain around the base transport.
// Middleware wrap outside-in: the first registered middleware sees the
// request first and the response last.
func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}
