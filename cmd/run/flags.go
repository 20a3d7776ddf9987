package run

import (
	"github.com/spf13/cobra"

	"github.com/polyquery/polyquery/cmd/util"
	serverconfig "github.com/polyquery/polyquery/internal/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "POLYQUERY_HTTP_ADDR")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")
	util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
	util.MustBindEnv("http.tls.enabled", "POLYQUERY_HTTP_TLS_ENABLED")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")
	util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
	util.MustBindEnv("http.tls.cert", "POLYQUERY_HTTP_TLS_CERT")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")
	util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
	util.MustBindEnv("http.tls.key", "POLYQUERY_HTTP_TLS_KEY")

	command.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.Duration("http-read-header-timeout", defaultConfig.HTTP.ReadHeaderTimeout, "the time allowed to read request headers")
	util.MustBindPFlag("http.readHeaderTimeout", flags.Lookup("http-read-header-timeout"))
	util.MustBindEnv("http.readHeaderTimeout", "POLYQUERY_HTTP_READ_HEADER_TIMEOUT", "POLYQUERY_HTTP_READHEADERTIMEOUT")

	flags.Int64("http-max-body-bytes", defaultConfig.HTTP.MaxBodyBytes, "the maximum size of a request body")
	util.MustBindPFlag("http.maxBodyBytes", flags.Lookup("http-max-body-bytes"))
	util.MustBindEnv("http.maxBodyBytes", "POLYQUERY_HTTP_MAX_BODY_BYTES", "POLYQUERY_HTTP_MAXBODYBYTES")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
	util.MustBindEnv("http.corsAllowedOrigins", "POLYQUERY_HTTP_CORS_ALLOWED_ORIGINS", "POLYQUERY_HTTP_CORSALLOWEDORIGINS")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")
	util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
	util.MustBindEnv("http.corsAllowedHeaders", "POLYQUERY_HTTP_CORS_ALLOWED_HEADERS", "POLYQUERY_HTTP_CORSALLOWEDHEADERS")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use ('none' or 'preshared')")
	util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
	util.MustBindEnv("authn.method", "POLYQUERY_AUTHN_METHOD")

	flags.StringSlice("authn-preshared-keys", defaultConfig.Authn.Keys, "one or more preshared keys to use for authentication")
	util.MustBindPFlag("authn.preshared.keys", flags.Lookup("authn-preshared-keys"))
	util.MustBindEnv("authn.preshared.keys", "POLYQUERY_AUTHN_PRESHARED_KEYS")

	flags.Int64("max-concurrent-requests", defaultConfig.MaxConcurrentRequests, "the maximum number of queries and writes executing at once")
	util.MustBindPFlag("maxConcurrentRequests", flags.Lookup("max-concurrent-requests"))
	util.MustBindEnv("maxConcurrentRequests", "POLYQUERY_MAX_CONCURRENT_REQUESTS", "POLYQUERY_MAXCONCURRENTREQUESTS")

	flags.Uint32("max-concurrent-fetches-per-backend", defaultConfig.MaxConcurrentFetchesPerBackend, "the maximum number of native calls in flight per backend")
	util.MustBindPFlag("maxConcurrentFetchesPerBackend", flags.Lookup("max-concurrent-fetches-per-backend"))
	util.MustBindEnv("maxConcurrentFetchesPerBackend", "POLYQUERY_MAX_CONCURRENT_FETCHES_PER_BACKEND", "POLYQUERY_MAXCONCURRENTFETCHESPERBACKEND")

	flags.Int("batch-size", defaultConfig.BatchSize, "the number of rows read per native query")
	util.MustBindPFlag("batchSize", flags.Lookup("batch-size"))
	util.MustBindEnv("batchSize", "POLYQUERY_BATCH_SIZE", "POLYQUERY_BATCHSIZE")

	flags.Int("page-size-default", defaultConfig.PageSize.Default, "the page size of queries that do not set one")
	util.MustBindPFlag("pageSize.default", flags.Lookup("page-size-default"))
	util.MustBindEnv("pageSize.default", "POLYQUERY_PAGE_SIZE_DEFAULT", "POLYQUERY_PAGESIZE_DEFAULT")

	flags.Int("page-size-max", defaultConfig.PageSize.Max, "the largest page size a query may ask for")
	util.MustBindPFlag("pageSize.max", flags.Lookup("page-size-max"))
	util.MustBindEnv("pageSize.max", "POLYQUERY_PAGE_SIZE_MAX", "POLYQUERY_PAGESIZE_MAX")

	flags.Bool("evaluation-strict", defaultConfig.Evaluation.Strict, "fail the request on formula errors instead of yielding null")
	util.MustBindPFlag("evaluation.strict", flags.Lookup("evaluation-strict"))
	util.MustBindEnv("evaluation.strict", "POLYQUERY_EVALUATION_STRICT")

	flags.Int64("evaluation-cache-size", defaultConfig.Evaluation.CacheSize, "the number of compiled formulas kept in memory")
	util.MustBindPFlag("evaluation.cacheSize", flags.Lookup("evaluation-cache-size"))
	util.MustBindEnv("evaluation.cacheSize", "POLYQUERY_EVALUATION_CACHE_SIZE", "POLYQUERY_EVALUATION_CACHESIZE")

	flags.String("evaluation-result-field", defaultConfig.Evaluation.ResultField, "the virtual field formula results are stored in")
	util.MustBindPFlag("evaluation.resultField", flags.Lookup("evaluation-result-field"))
	util.MustBindEnv("evaluation.resultField", "POLYQUERY_EVALUATION_RESULT_FIELD", "POLYQUERY_EVALUATION_RESULTFIELD")

	flags.String("cursor-key", defaultConfig.Cursor.Key, "the key continuation tokens are sealed with. Empty leaves them unsealed")
	util.MustBindPFlag("cursor.key", flags.Lookup("cursor-key"))
	util.MustBindEnv("cursor.key", "POLYQUERY_CURSOR_KEY")

	flags.Int("retry-max-attempts", defaultConfig.Retry.MaxAttempts, "the number of attempts of a native call failing with BackendUnavailable")
	util.MustBindPFlag("retry.maxAttempts", flags.Lookup("retry-max-attempts"))
	util.MustBindEnv("retry.maxAttempts", "POLYQUERY_RETRY_MAX_ATTEMPTS", "POLYQUERY_RETRY_MAXATTEMPTS")

	flags.Duration("retry-initial-interval", defaultConfig.Retry.InitialInterval, "the wait before the first retry")
	util.MustBindPFlag("retry.initialInterval", flags.Lookup("retry-initial-interval"))
	util.MustBindEnv("retry.initialInterval", "POLYQUERY_RETRY_INITIAL_INTERVAL", "POLYQUERY_RETRY_INITIALINTERVAL")

	flags.Duration("retry-max-interval", defaultConfig.Retry.MaxInterval, "the longest wait between two retries")
	util.MustBindPFlag("retry.maxInterval", flags.Lookup("retry-max-interval"))
	util.MustBindEnv("retry.maxInterval", "POLYQUERY_RETRY_MAX_INTERVAL", "POLYQUERY_RETRY_MAXINTERVAL")

	flags.String("lookup-cache-engine", defaultConfig.LookupCache.Engine, "where lookup responses are cached ('none', 'memory' or 'redis')")
	util.MustBindPFlag("lookupCache.engine", flags.Lookup("lookup-cache-engine"))
	util.MustBindEnv("lookupCache.engine", "POLYQUERY_LOOKUP_CACHE_ENGINE", "POLYQUERY_LOOKUPCACHE_ENGINE")

	flags.Duration("lookup-cache-ttl", defaultConfig.LookupCache.TTL, "how long a lookup response is reused")
	util.MustBindPFlag("lookupCache.ttl", flags.Lookup("lookup-cache-ttl"))
	util.MustBindEnv("lookupCache.ttl", "POLYQUERY_LOOKUP_CACHE_TTL", "POLYQUERY_LOOKUPCACHE_TTL")

	flags.Int64("lookup-cache-max-size", defaultConfig.LookupCache.MaxSize, "the number of lookup responses kept by the memory cache")
	util.MustBindPFlag("lookupCache.maxSize", flags.Lookup("lookup-cache-max-size"))
	util.MustBindEnv("lookupCache.maxSize", "POLYQUERY_LOOKUP_CACHE_MAX_SIZE", "POLYQUERY_LOOKUPCACHE_MAXSIZE")

	flags.String("lookup-cache-redis-addrs", defaultConfig.LookupCache.Redis.Addrs, "a comma separated list of redis host:port pairs")
	util.MustBindPFlag("lookupCache.redis.addrs", flags.Lookup("lookup-cache-redis-addrs"))
	util.MustBindEnv("lookupCache.redis.addrs", "POLYQUERY_LOOKUP_CACHE_REDIS_ADDRS", "POLYQUERY_LOOKUPCACHE_REDIS_ADDRS")

	flags.String("lookup-cache-redis-username", defaultConfig.LookupCache.Redis.Username, "the redis username")
	util.MustBindPFlag("lookupCache.redis.username", flags.Lookup("lookup-cache-redis-username"))
	util.MustBindEnv("lookupCache.redis.username", "POLYQUERY_LOOKUP_CACHE_REDIS_USERNAME", "POLYQUERY_LOOKUPCACHE_REDIS_USERNAME")

	flags.String("lookup-cache-redis-password", defaultConfig.LookupCache.Redis.Password, "the redis password")
	util.MustBindPFlag("lookupCache.redis.password", flags.Lookup("lookup-cache-redis-password"))
	util.MustBindEnv("lookupCache.redis.password", "POLYQUERY_LOOKUP_CACHE_REDIS_PASSWORD", "POLYQUERY_LOOKUPCACHE_REDIS_PASSWORD")

	flags.Int("lookup-cache-redis-db", defaultConfig.LookupCache.Redis.DB, "the redis logical database")
	util.MustBindPFlag("lookupCache.redis.db", flags.Lookup("lookup-cache-redis-db"))
	util.MustBindEnv("lookupCache.redis.db", "POLYQUERY_LOOKUP_CACHE_REDIS_DB", "POLYQUERY_LOOKUPCACHE_REDIS_DB")

	flags.Int("lookup-http-retries", defaultConfig.LookupHTTP.Retries, "how many times a failed lookup call is retried")
	util.MustBindPFlag("lookupHttp.retries", flags.Lookup("lookup-http-retries"))
	util.MustBindEnv("lookupHttp.retries", "POLYQUERY_LOOKUP_HTTP_RETRIES", "POLYQUERY_LOOKUPHTTP_RETRIES")

	flags.Float64("lookup-http-rate-per-host", defaultConfig.LookupHTTP.RatePerHost, "the lookup calls per second allowed per host, 0 means unlimited")
	util.MustBindPFlag("lookupHttp.ratePerHost", flags.Lookup("lookup-http-rate-per-host"))
	util.MustBindEnv("lookupHttp.ratePerHost", "POLYQUERY_LOOKUP_HTTP_RATE_PER_HOST", "POLYQUERY_LOOKUPHTTP_RATEPERHOST")

	flags.Int("lookup-http-burst", defaultConfig.LookupHTTP.Burst, "the burst of lookup calls allowed per host")
	util.MustBindPFlag("lookupHttp.burst", flags.Lookup("lookup-http-burst"))
	util.MustBindEnv("lookupHttp.burst", "POLYQUERY_LOOKUP_HTTP_BURST", "POLYQUERY_LOOKUPHTTP_BURST")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "POLYQUERY_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "POLYQUERY_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "POLYQUERY_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "POLYQUERY_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "POLYQUERY_TRACE_OTLP_TLS_ENABLED")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "POLYQUERY_TRACE_SAMPLE_RATIO", "POLYQUERY_TRACE_SAMPLERATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "POLYQUERY_TRACE_SERVICE_NAME", "POLYQUERY_TRACE_SERVICENAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "POLYQUERY_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "POLYQUERY_METRICS_ADDR")
}
