package mw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TraceID generates or propagates a trace id per pipeline step 1:
// X-Trace-Id from the request if present, otherwise a fresh id, always
// echoed on the response.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get("X-Trace-Id")
		if tid == "" {
			buf := make([]byte, 12)
			_, _ = rand.Read(buf)
			tid = hex.EncodeToString(buf)
		}
		w.Header().Set("X-Trace-Id", tid)
		ctx := context.WithValue(r.Context(), traceIDKey, tid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RID returns the trace id carried on ctx, or "" if none.
func RID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
