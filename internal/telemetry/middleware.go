package telemetry

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsPath is where the Prometheus handler is mounted. Scrapes are not
// traced or counted as API requests.
const MetricsPath = "/metrics"

// HTTPMiddleware traces and measures requests to the control API.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{
		telemetry: telemetry,
	}
}

// Middleware records a server span and the RED metrics of every request,
// labelled by route. Requests that act on an upload (pause, resume,
// finalize, delete, clear) are also counted per action.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.telemetry == nil || r.URL.Path == MetricsPath {
			next.ServeHTTP(w, r)

			return
		}

		start := time.Now()

		m.telemetry.IncrementHTTPInFlight(r.Context())
		defer m.telemetry.DecrementHTTPInFlight(r.Context())

		ctx, span := m.telemetry.Tracer().Start(r.Context(), "control_api "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rw := &metricsWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(ctx))

		// The route is only known once chi has matched the request.
		route := routePattern(r)
		class := getStatusClass(rw.statusCode)

		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rw.statusCode),
			attribute.Int64("http.response_size", rw.bytesWritten),
		)

		if digest := chi.URLParam(r, "digest"); digest != "" {
			span.SetAttributes(attribute.String("upload.file_digest", digest))
		}

		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}

		m.telemetry.RecordHTTPRequest(ctx, r.Method, route, class, time.Since(start))

		if action := controlAction(r.Method, route); action != "" {
			m.telemetry.RecordControlAction(ctx, action, class)
		}
	})
}

// metricsWriter captures the status code and body size of a response.
type metricsWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *metricsWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)

	return n, err
}

// routePattern returns the matched chi route so task digests do not end up
// as metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

// controlAction names the upload action a request performs, or "" for reads.
func controlAction(method, route string) string {
	route = strings.TrimSuffix(route, "/")

	switch method {
	case http.MethodPost:
		if strings.HasPrefix(route, "/tasks/{digest}/") {
			return path.Base(route)
		}
	case http.MethodDelete:
		switch route {
		case "/tasks/{digest}":
			return "delete"
		case "/tasks":
			return "clear"
		}
	}

	return ""
}

// getStatusClass returns the status class (2xx, 3xx, 4xx, 5xx) for a given status code.
func getStatusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
