package mw

import (
	"net/http"

	"github.com/nexagate/apigw/internal/httpapi"
)

// MaxBodyBytes rejects a request whose declared Content-Length exceeds
// limit and wraps the body reader to enforce the same bound when the
// length is unknown.
func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit && r.ContentLength != -1 {
			httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindBadRequest, "request body too large"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
