// Package requestscope provides middleware that pins request-scoped values.
// Everything handling one request sees the same "now" and the same
// correlation id, so log lines and timestamps written for it agree.
package requestscope

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"midas/pkg/requestcontext"
)

// Middleware stores the request time and id in the context. It reuses the id
// assigned by chi's RequestID middleware when that runs first.
func Middleware(client string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), time.Now())
			id := middleware.GetReqID(ctx)
			if id == "" {
				id = uuid.NewString()
			}
			ctx = requestcontext.WithRequestID(ctx, id)
			if client != "" {
				ctx = requestcontext.WithClient(ctx, client)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
