// Package run contains the command to run a polyquery server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/polyquery/polyquery/internal/authn"
	"github.com/polyquery/polyquery/internal/authn/presharedkey"
	"github.com/polyquery/polyquery/internal/build"
	serverconfig "github.com/polyquery/polyquery/internal/server/config"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/server"
	"github.com/polyquery/polyquery/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polyquery server",
		Long: `Run the polyquery server.

Backends and entities are declared in the config file. Every other setting
can also be given as a flag or a POLYQUERY_ environment variable.`,
		Run:  run,
		Args: cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig loads the config file, if any, over the defaults. Flags and
// environment variables bound to viper take precedence over the file.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger

	// ready, when set, is closed once every listener is bound.
	ready chan struct{}
	addr  net.Addr
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// the batch span processor can take up to 5 seconds to flush
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return tp.Close(ctx)
		}
	}
	tp := telemetry.Noop()
	otel.SetTracerProvider(tp)
	return func() error {
		return tp.Close(context.Background())
	}
}

func (s *ServerContext) authenticatorConfig(config *serverconfig.Config) (authn.Authenticator, error) {
	var authenticator authn.Authenticator
	var err error

	switch config.Authn.Method {
	case "none":
		s.Logger.Warn("authentication is disabled")
		authenticator = authn.NoopAuthenticator{}
	case "preshared":
		s.Logger.Info("using 'preshared' authentication")
		authenticator, err = presharedkey.NewPresharedKeyAuthenticator(config.Authn.Keys)
	default:
		return nil, fmt.Errorf("unsupported authentication method '%v'", config.Authn.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}
	return authenticator, nil
}

func (s *ServerContext) runHTTPServer(ctx context.Context, config *serverconfig.Config, handler http.Handler) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: config.HTTP.ReadHeaderTimeout,
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}
	s.addr = listener.Addr()

	if config.HTTP.TLS != nil && config.HTTP.TLS.Enabled {
		getCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			listener.Close()
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{
			GetCertificate: getCertificate,
			MinVersion:     tls.VersionTLS12,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("starting HTTP server on '%s'...", listener.Addr()))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

// Run serves the API until ctx is cancelled or the process is signalled.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	engine, err := Build(ctx, config, s.Logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	authenticator, err := s.authenticatorConfig(config)
	if err != nil {
		return err
	}
	defer authenticator.Close()

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: config.HTTP.ReadHeaderTimeout}
		go func() {
			s.Logger.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	svr := server.New(engine.Router,
		server.WithLogger(s.Logger),
		server.WithAuthenticator(authenticator),
		server.WithCORS(config.HTTP.CORSAllowedOrigins, config.HTTP.CORSAllowedHeaders),
		server.WithMaxBodyBytes(config.HTTP.MaxBodyBytes),
	)

	s.Logger.Info(
		"starting polyquery service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Strings("entities", engine.Registry.Names()),
	)

	httpServer, err := s.runHTTPServer(ctx, config, svr.Handler())
	if err != nil {
		return err
	}
	if s.ready != nil {
		close(s.ready)
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye")
	return nil
}

func watchAndLoadCertificateWithCertWatcher(ctx context.Context, certPath, keyPath string, logger logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	log.SetLogger(logr.New(nil))
	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	logger.Info("Initial TLS certificate loaded.", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	go func() {
		logger.Info("Starting certificate watcher...", zap.String("certPath", certPath), zap.String("keyPath", keyPath))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Certwatcher encountered an error", zap.Error(err))
		}
	}()

	getCertificate := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}

	return getCertificate, nil
}
