package mw

import (
	"net/http"

	"github.com/nexagate/apigw/internal/httpapi"
)

// Recover turns a panic anywhere downstream into a 500 internal_error
// response instead of crashing the connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
