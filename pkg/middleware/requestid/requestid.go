package requestid

import (
	"context"
	"net/http"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polyquery/polyquery/pkg/logger"
)

const (
	requestIDTraceKey = "request_id"

	// RequestIDHeader defines the HTTP header that is set in each HTTP response
	// for a given request. The value of the header is unique per request.
	RequestIDHeader = "X-Request-Id"
)

// InitID returns the ID to be used to identify the request.
// If trace is enabled, returns trace ID; otherwise returns a new ULID.
func InitID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.TraceID().IsValid() {
		return spanCtx.TraceID().String()
	}
	return ulid.Make().String()
}

// NewHandler assigns a request id to every request. It must come after the
// trace handler and before the logging handler.
func NewHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := InitID(ctx)

		w.Header().Set(RequestIDHeader, requestID)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String(requestIDTraceKey, requestID))

		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(ctx, requestID)))
	})
}

// FromContext returns the id assigned by NewHandler.
func FromContext(ctx context.Context) (string, bool) {
	return logger.RequestIDFromContext(ctx)
}
