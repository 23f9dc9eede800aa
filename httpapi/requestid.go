package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestID stamps every request with an X-Request-ID, reusing one
// supplied by the caller, and makes it available via
// requestIDFromContext. Mirrors the teacher's requestid middleware
// (header name, generate-if-absent behavior) minus the now-absent
// mizu.Ctx plumbing.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
