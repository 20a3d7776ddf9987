package logging

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/polyquery/polyquery/pkg/logger"
)

const (
	httpMethodKey      = "http_method"
	httpRouteKey       = "http_route"
	httpStatusKey      = "http_status"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	httpReqCompleteKey = "http_req_complete"
)

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// NewHandler logs one entry per request once it completes. Server errors
// are logged at error level, everything else at info.
func NewHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		fields := []zap.Field{
			zap.String(httpMethodKey, r.Method),
			zap.String(httpRouteKey, route),
			zap.Int(httpStatusKey, rec.status),
			zap.String(queryDurationKey, strconv.FormatInt(time.Since(start).Milliseconds(), 10)),
		}
		if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
			fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
		}
		if ua := r.UserAgent(); ua != "" {
			fields = append(fields, zap.String(userAgentKey, ua))
		}

		if rec.status >= http.StatusInternalServerError {
			l.ErrorWithContext(r.Context(), httpReqCompleteKey, fields...)
			return
		}
		l.InfoWithContext(r.Context(), httpReqCompleteKey, fields...)
	})
}
