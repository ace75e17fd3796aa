package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	logrus_bugsnag "github.com/Shopify/logrus-bugsnag"
	logstash "github.com/bshuster-repo/logrus-logstash-hook"
	"github.com/bugsnag/bugsnag-go"
	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yvasiyarov/gorelic"

	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/health"
	"github.com/goldboot/distribution/internal/dcontext"
	_ "github.com/goldboot/distribution/registry/auth/htpasswd"
	"github.com/goldboot/distribution/registry/handlers"
	"github.com/goldboot/distribution/registry/purge"
	_ "github.com/goldboot/distribution/registry/storage/driver/badger"
	_ "github.com/goldboot/distribution/registry/storage/driver/filesystem"
	_ "github.com/goldboot/distribution/registry/storage/driver/inmemory"
	_ "github.com/goldboot/distribution/registry/storage/driver/s3-aws"
	"github.com/goldboot/distribution/version"
)

// a list of default ciphersuites to utilize
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

var tlsVersions = map[string]uint16{
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// defaultLogFormatter is the default formatter to use for logs.
const defaultLogFormatter = "text"

// this channel gets notified when process receives signal. It is global to
// ease unit testing
var quit = make(chan os.Signal, 1)

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes golden images.",
	Long:  "`serve` stores and distributes golden images.",
	Run: func(cmd *cobra.Command, args []string) {
		// setup context
		ctx := dcontext.WithVersion(dcontext.Background(), version.Version())

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(ctx, config)
		if err != nil {
			logrus.Fatalln(err)
		}

		if config.HTTP.Debug.Addr != "" {
			go func(addr string) {
				logrus.Infof("debug server listening %v", addr)
				if err := http.ListenAndServe(addr, debugHandler(config)); err != nil {
					logrus.Fatalf("error listening on debug interface: %v", err)
				}
			}(config.HTTP.Debug.Addr)
		}

		if err = registry.ListenAndServe(); err != nil {
			logrus.Fatalln(err)
		}
	},
}

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	cancel context.CancelFunc
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	var err error
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring registry: %w", err)
	}
	app.RegisterHealthChecks()

	handler := configureReporting(app)
	handler = alive("/", handler)
	handler = health.Handler(handler)
	handler = panicHandler(handler)
	if !config.Log.AccessLog.Disabled {
		handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)
	}

	maintenance, cancel := context.WithCancel(ctx)
	if err := startUploadPurger(maintenance, app, config); err != nil {
		cancel()
		return nil, err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
		cancel: cancel,
	}, nil
}

// startUploadPurger schedules the removal of abandoned uploads. Purging is
// on by default and can be turned off with
// storage.maintenance.uploadpurging.enabled.
func startUploadPurger(ctx context.Context, app *handlers.App, config *configuration.Configuration) error {
	section, ok := config.Storage.UploadPurging()
	if !ok {
		section = purge.UploadPurgeDefaultConfig()
	}
	po, err := purge.ParseConfig(section)
	if err != nil {
		return err
	}
	purge.Schedule(ctx, app.Registry().Driver(), po)
	return nil
}

// ListenAndServe runs the registry's HTTP server until it fails or the
// process is asked to stop, in which case connections are drained for up
// to http.draintimeout.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	ln, err := listen(config.HTTP.Net, config.HTTP.Addr)
	if err != nil {
		return err
	}

	if config.HTTP.TLS.Certificate != "" {
		tlsConf, err := tlsConfig(config)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConf)
		dcontext.GetLogger(registry.app).Infof("listening on %v, tls", ln.Addr())
	} else {
		dcontext.GetLogger(registry.app).Infof("listening on %v", ln.Addr())
	}

	// setup channel to get notified on SIGTERM and interrupt signals
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)

	// Start serving in goroutine and listen for stop signal in main thread
	go func() {
		serveErr <- registry.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		registry.cancel()
		return err
	case <-quit:
		dcontext.GetLogger(registry.app).Info("stopping server gracefully. Draining connections for ", config.HTTP.DrainTimeout)
		return registry.Shutdown(context.Background())
	}
}

// Shutdown stops the server within the drain timeout, then the
// maintenance goroutines and the notification sinks.
func (registry *Registry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registry.config.HTTP.DrainTimeout)
	defer cancel()

	err := registry.server.Shutdown(ctx)
	registry.cancel()
	if appErr := registry.app.Shutdown(); appErr != nil {
		err = errors.Join(err, appErr)
	}
	return err
}

func listen(network, addr string) (net.Listener, error) {
	if network == "" {
		network = "tcp"
	}
	switch network {
	case "unix":
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unknown address type %s", network)
	}
	return net.Listen(network, addr)
}

func tlsConfig(config *configuration.Configuration) (*tls.Config, error) {
	minVersion := config.HTTP.TLS.MinimumTLS
	if minVersion == "" {
		minVersion = "tls1.2"
	}
	tlsMinVersion, ok := tlsVersions[minVersion]
	if !ok {
		return nil, fmt.Errorf("unknown minimum TLS level '%s' specified for http.tls.minimumtls", minVersion)
	}

	tlsConf := &tls.Config{
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tlsMinVersion,
		CipherSuites: defaultCipherSuites,
	}

	cert, err := tls.LoadX509KeyPair(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key)
	if err != nil {
		return nil, err
	}
	tlsConf.Certificates = []tls.Certificate{cert}
	return tlsConf, nil
}

// debugHandler serves the health status, pprof and, when enabled, the
// prometheus metrics.
func debugHandler(config *configuration.Configuration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/health", health.StatusHandler)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if prom := config.HTTP.Debug.Prometheus; prom.Enabled {
		path := prom.Path
		if path == "" {
			path = "/metrics"
		}
		logrus.Info("providing prometheus metrics on ", path)
		mux.Handle(path, metrics.Handler())
	}
	return mux
}

// configureReporting wraps the app with the error reporters named in the
// reporting section. Bugsnag also receives error level log entries.
func configureReporting(app *handlers.App) http.Handler {
	var handler http.Handler = app

	if app.Config.Reporting.Bugsnag.APIKey != "" {
		bugsnagConfig := bugsnag.Configuration{
			APIKey:     app.Config.Reporting.Bugsnag.APIKey,
			AppVersion: version.Version(),
		}
		if app.Config.Reporting.Bugsnag.ReleaseStage != "" {
			bugsnagConfig.ReleaseStage = app.Config.Reporting.Bugsnag.ReleaseStage
		}
		if app.Config.Reporting.Bugsnag.Endpoint != "" {
			bugsnagConfig.Endpoint = app.Config.Reporting.Bugsnag.Endpoint
		}
		bugsnag.Configure(bugsnagConfig)

		hook, err := logrus_bugsnag.NewBugsnagHook()
		if err != nil {
			dcontext.GetLogger(app).Warnf("unable to forward errors to bugsnag: %v", err)
		} else {
			logrus.AddHook(hook)
		}

		handler = bugsnag.Handler(handler)
	}

	if app.Config.Reporting.NewRelic.LicenseKey != "" {
		agent := gorelic.NewAgent()
		agent.NewrelicLicense = app.Config.Reporting.NewRelic.LicenseKey
		if app.Config.Reporting.NewRelic.Name != "" {
			agent.NewrelicName = app.Config.Reporting.NewRelic.Name
		}
		agent.CollectHTTPStat = true
		agent.Verbose = app.Config.Reporting.NewRelic.Verbose
		if err := agent.Run(); err != nil {
			dcontext.GetLogger(app).Warnf("unable to start newrelic agent: %v", err)
		}

		handler = agent.WrapHTTPHandler(handler)
	}

	return handler
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = defaultLogFormatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   time.RFC3339Nano,
			DisableHTMLEscape: true,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "logstash":
		logrus.SetFormatter(&logstash.LogstashFormatter{
			Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", formatter)
	}

	logrus.Debugf("using %q logging formatter", formatter)
	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []any
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}

// panicHandler add an HTTP handler to web app. The handler recover the happening
// panic. logrus.Panic transmits panic message to pre-config log hooks, which is
// defined in config.yml.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// alive simply wraps the handler with a route that always returns an http 200
// response when the path is matched. If the path is not matched, the request
// is passed to the provided handler. There is no guarantee of anything but
// that the server is up. Wrap with other handlers (such as health.Handler)
// for greater affect.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}
