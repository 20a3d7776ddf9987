// Package server exposes the router over HTTP.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polyquery/polyquery/internal/authn"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/middleware/logging"
	"github.com/polyquery/polyquery/pkg/middleware/recovery"
	"github.com/polyquery/polyquery/pkg/middleware/requestid"
	"github.com/polyquery/polyquery/pkg/router"
	"github.com/polyquery/polyquery/pkg/server/health"
)

const (
	// DefaultMaxBodyBytes bounds request bodies.
	DefaultMaxBodyBytes = 4 << 20

	serviceName = "polyquery"
)

// A Server implements the HTTP API in front of a [router.Router].
type Server struct {
	router        *router.Router
	logger        logger.Logger
	authenticator authn.Authenticator
	checker       *health.Checker

	corsAllowedOrigins []string
	corsAllowedHeaders []string
	maxBodyBytes       int64
}

type ServerOption func(s *Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAuthenticator protects every /v1 route. Health checks stay open.
func WithAuthenticator(a authn.Authenticator) ServerOption {
	return func(s *Server) {
		s.authenticator = a
	}
}

func WithCORS(allowedOrigins, allowedHeaders []string) ServerOption {
	return func(s *Server) {
		s.corsAllowedOrigins = allowedOrigins
		s.corsAllowedHeaders = allowedHeaders
	}
}

func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// New creates a Server over r. Adapters registered on r are health checked.
func New(r *router.Router, opts ...ServerOption) *Server {
	s := &Server{
		router:             r,
		logger:             logger.NewNoopLogger(),
		authenticator:      authn.NoopAuthenticator{},
		corsAllowedOrigins: []string{"*"},
		corsAllowedHeaders: []string{"*"},
		maxBodyBytes:       DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	targets := map[string]health.TargetService{}
	for name, a := range r.Adapters() {
		targets[name] = a
	}
	s.checker = &health.Checker{Targets: targets}
	return s
}

// Handler returns the complete handler chain: tracing, request ids, CORS,
// access logs, panic recovery and authentication, in that order.
func (s *Server) Handler() http.Handler {
	m := mux.NewRouter()
	m.Use(
		func(next http.Handler) http.Handler { return logging.NewHandler(next, s.logger) },
		func(next http.Handler) http.Handler { return recovery.HTTPPanicRecoveryHandler(next, s.logger) },
	)

	m.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := m.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/entities", s.listEntities).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entity}", s.getEntity).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entity}/query", s.query).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{entity}/records", s.write).Methods(http.MethodPost)

	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusNotFound, errorBody{Code: codeNotFound, Message: "route not found"})
	})
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusMethodNotAllowed, errorBody{Code: codeMethodNotAllowed, Message: "method not allowed"})
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.corsAllowedOrigins,
		AllowedHeaders:   s.corsAllowedHeaders,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		ExposedHeaders:   []string{requestid.RequestIDHeader},
		AllowCredentials: true,
	}).Handler(m)

	return otelhttp.NewHandler(requestid.NewHandler(corsHandler), serviceName)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticator.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeJSON(w, r, http.StatusUnauthorized, errorBody{Code: codeUnauthenticated, Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
