package observe

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Multiplexer is the subset of http.ServeMux used for route registration.
type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux decorates a multiplexer so every registered route carries HTTP
// telemetry tagged with its route pattern.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{wrapped: wrapped}
}

// Handle registers the handler wrapped in OTel instrumentation. Spans are
// tagged with the pattern minus its method prefix, so "GET /api/session"
// and "DELETE /api/session" share the "/api/session" tag.
func (m *Mux) Handle(pattern string, handler http.Handler) {
	m.wrapped.Handle(pattern, otelhttp.NewHandler(handler, RouteTag(pattern)))
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.wrapped.ServeHTTP(w, r)
}

var httpMethods = map[string]bool{
	http.MethodConnect: true,
	http.MethodDelete:  true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodTrace:   true,
}

// RouteTag strips a leading method from a ServeMux pattern, leaving the
// resource path. Patterns without a recognized method pass through.
func RouteTag(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && httpMethods[method] {
		return resource
	}
	return pattern
}
