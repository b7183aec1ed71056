package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// requestTimeout is the cancel cause of a deadline set by TimeoutMiddleware.
type requestTimeout struct {
	timeout time.Duration
}

func (e *requestTimeout) Error() string {
	return fmt.Sprintf("request exceeded %s timeout", e.timeout)
}

func (e *requestTimeout) Unwrap() error { return context.DeadlineExceeded }

// TimeoutMiddleware bounds each request with timeout. Handlers observe the
// deadline through the request context; pipelines turn it into a 504 fault.
//
// Layers nest: a pipeline timeout mounted under the server timeout wins when
// it is shorter. Once the deadline fires, the request log carries the
// timeout that fired as "timeout".
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), timeout, &requestTimeout{timeout: timeout})
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))

			var fired *requestTimeout
			if errors.As(context.Cause(ctx), &fired) {
				AddLogField(ctx, "timeout", fired.timeout.String())
			}
		})
	}
}
