package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// routePattern resolves the chi route pattern for a request, falling back to
// the raw path when the request was not routed by chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
