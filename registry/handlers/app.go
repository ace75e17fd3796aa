package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/health"
	"github.com/goldboot/distribution/health/checks"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/notifications"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
	"github.com/goldboot/distribution/registry/auth"
	"github.com/goldboot/distribution/registry/storage"
	"github.com/goldboot/distribution/registry/storage/cache"
	"github.com/goldboot/distribution/registry/storage/cache/memory"
	_ "github.com/goldboot/distribution/registry/storage/cache/redis"
	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/factory"
)

// defaultCheckInterval is the default time in between health checks
const defaultCheckInterval = 10 * time.Second

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router   *mux.Router                 // main application router, configured with dispatchers
	driver   storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	registry *storage.Registry           // registry is the primary storage backend for the app instance.

	httpHost *url.URL // configured http.host, overriding the request host in built URLs

	accessController auth.AccessController // main access controller for application

	// events contains notification related configuration.
	events struct {
		sink   notifications.Sink
		source notifications.SourceRecord
	}
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	app := &App{
		Config:  config,
		Context: ctx,
		router:  v1.RouterWithPrefix(config.HTTP.Prefix),
	}

	// Register the handler dispatchers.
	app.register(v1.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v1.RouteNameCatalog, catalogDispatcher)
	app.register(v1.RouteNameChunk, chunkDispatcher)
	app.register(v1.RouteNameNegotiate, negotiateDispatcher)
	app.register(v1.RouteNamePullNegotiate, pullNegotiateDispatcher)
	app.register(v1.RouteNameManifest, manifestDispatcher)
	app.register(v1.RouteNameVersions, versionsDispatcher)

	if config.HTTP.Host != "" {
		u, err := url.Parse(config.HTTP.Host)
		if err != nil {
			return nil, fmt.Errorf("error parsing http host %q: %w", config.HTTP.Host, err)
		}
		app.httpHost = u
	}

	storageType := config.Storage.Type()
	driver, err := factory.Create(app, storageType, config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("unable to create %s storage driver: %w", storageType, err)
	}
	app.driver = driver

	app.configureEvents(config)

	authType := config.Auth.Type()
	if authType != "" {
		accessController, err := auth.GetAccessController(authType, config.Auth.Parameters())
		if err != nil {
			return nil, fmt.Errorf("unable to configure authorization (%s): %w", authType, err)
		}
		app.accessController = accessController
		dcontext.GetLogger(app).Debugf("configured %q access controller", authType)
	}

	options := []storage.RegistryOption{}
	if config.Storage.DeleteEnabled() {
		options = append(options, storage.EnableDelete)
	}
	if config.Images.SkipVerify {
		dcontext.GetLogger(app).Warn("commit verification disabled")
		options = append(options, storage.SkipCommitVerification)
	}

	descriptorCache, err := app.configureCache(config)
	if err != nil {
		return nil, err
	}
	if descriptorCache != nil {
		options = append(options, storage.ChunkDescriptorCache(descriptorCache))
	}

	app.registry, err = storage.NewRegistry(app, app.driver, options...)
	if err != nil {
		return nil, fmt.Errorf("could not create registry: %w", err)
	}

	return app, nil
}

// configureCache builds the chunk descriptor cache named by
// storage.cache.chunkdescriptor. A nil cache is returned when none is
// configured.
func (app *App) configureCache(config *configuration.Configuration) (cache.ChunkDescriptorCache, error) {
	cc := config.Storage.Cache()
	if cc == nil {
		return nil, nil
	}

	v, ok := cc["chunkdescriptor"]
	if !ok {
		return nil, nil
	}
	provider, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("storage.cache.chunkdescriptor must be a string, got %T", v)
	}

	var options map[string]any
	switch provider {
	case "inmemory":
		size := memory.DefaultSize
		if sv, ok := cc["chunkdescriptorsize"]; ok {
			if n, ok := sv.(int); ok {
				size = n
			}
		}
		options = memory.NewCacheOptions(size)
	case "redis":
		options = map[string]any{"params": config.Redis.Params()}
	default:
		return nil, fmt.Errorf("unknown cache type %q", provider)
	}

	c, err := cache.Get(app, provider, options)
	if err != nil {
		return nil, fmt.Errorf("unable to configure %s chunk descriptor cache: %w", provider, err)
	}
	dcontext.GetLogger(app).Infof("using %s chunk descriptor cache", provider)
	return c, nil
}

// RegisterHealthChecks is an awful hack to defer health check registration
// control to callers. This should only ever be called once per registry
// process, typically in a main function. The correct way would be register
// health checks outside of app, since multiple apps may exist in the same
// process. Because the configuration and app are tightly coupled,
// implementing this properly will require a refactor. This method may panic
// if called twice in the same process.
func (app *App) RegisterHealthChecks(healthRegistries ...*health.Registry) {
	if len(healthRegistries) > 1 {
		panic("RegisterHealthChecks called with more than one registry")
	}
	healthRegistry := health.DefaultRegistry
	if len(healthRegistries) == 1 {
		healthRegistry = healthRegistries[0]
	}

	if app.Config.Health.StorageDriver.Enabled {
		interval := app.Config.Health.StorageDriver.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}

		storageDriverCheck := checks.StorageDriverChecker(app.driver)
		updater := health.NewThresholdStatusUpdater(app.Config.Health.StorageDriver.Threshold)
		go health.Poll(app, updater, storageDriverCheck, interval)
		healthRegistry.Register("storagedriver_"+app.Config.Storage.Type(), updater)
	}
}

// Registry returns the storage the app serves from.
func (app *App) Registry() *storage.Registry {
	return app.registry
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(dispatch))
}

// configureEvents prepares the event sink for action.
func (app *App) configureEvents(config *configuration.Configuration) {
	app.events.sink = notifications.NewSink(config.Notifications)

	// Populate registry event source
	hostname, err := os.Hostname()
	if err != nil {
		hostname = config.HTTP.Addr
	} else {
		// try to pick the port off the config
		_, port, err := net.SplitHostPort(config.HTTP.Addr)
		if err == nil {
			hostname = net.JoinHostPort(hostname, port)
		}
	}

	app.events.source = notifications.SourceRecord{
		Addr:       hostname,
		InstanceID: dcontext.GetInstanceID(app),
	}
}

// Shutdown closes the event sink, flushing queued events.
func (app *App) Shutdown() error {
	return app.events.sink.Close()
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Prepare the context with our own little decorations.
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))
	r = r.WithContext(ctx)

	// Set a header with the protocol version for all responses.
	w.Header().Add(v1.HeaderAPIVersion, v1.APIVersion)
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for headerName, headerValues := range app.Config.HTTP.Headers {
			for _, value := range headerValues {
				w.Header().Add(headerName, value)
			}
		}

		context := app.context(w, r)

		defer func() {
			dcontext.GetResponseLogger(context).Infof("response completed")
		}()

		if app.nameRequired(r) {
			name := getName(context)
			if err := distribution.ValidateName(name); err != nil {
				context.Errors = append(context.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}
				return
			}
		}

		if err := app.authorized(w, r, context); err != nil {
			dcontext.GetLogger(context).Warnf("error authorizing context: %v", err)
			return
		}

		bridge := app.eventBridge(context, r)
		context.Chunks = notifications.ListenChunks(app.registry.Chunks(), bridge)
		context.Images = notifications.ListenImages(app.registry.Images(), bridge)

		dispatch(context, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior.
		if context.Errors.Len() > 0 {
			if err := errcode.ServeJSON(w, context.Errors); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}

			app.logError(context, context.Errors)
		}
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e := range errors {
		var c context.Context

		switch err := e.(type) {
		case errcode.Error:
			c = context.WithValue(ctx, errCodeKey{}, err.Code)
			c = context.WithValue(c, errMessageKey{}, err.Message)
			c = context.WithValue(c, errDetailKey{}, err.Detail)
		case errcode.ErrorCode:
			c = context.WithValue(ctx, errCodeKey{}, err)
			c = context.WithValue(c, errMessageKey{}, err.Message())
		default:
			// just normal go 'error'
			c = context.WithValue(ctx, errCodeKey{}, errcode.ErrorCodeUnknown)
			c = context.WithValue(c, errMessageKey{}, err.Error())
		}

		c = dcontext.WithLogger(c, dcontext.GetLogger(c,
			errCodeKey{},
			errMessageKey{},
			errDetailKey{}))
		dcontext.GetResponseLogger(c).Errorf("response completed with error")
	}
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.name",
		"vars.version",
		"vars.digest"))

	context := &Context{
		App:     app,
		Context: ctx,
	}

	if app.httpHost != nil {
		// A "host" item in the configuration takes precedence over
		// X-Forwarded-Proto and X-Forwarded-Host headers, and the
		// hostname in the request.
		context.urlBuilder = v1.NewURLBuilder(app.httpHost, app.Config.HTTP.RelativeURLs)
	} else {
		context.urlBuilder = v1.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs)
	}

	return context
}

// authorized checks if the request can proceed with access to the requested
// image. If it succeeds, the context may access the requested image. An
// error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	dcontext.GetLogger(context).Debug("authorizing request")
	accessRecords := accessRecords(context, r)

	grant, err := app.accessController.Authorized(r.WithContext(context.Context), accessRecords...)
	if err != nil {
		var challenge auth.Challenge
		if errors.As(err, &challenge) {
			// Add the appropriate WWW-Auth header
			challenge.SetHeaders(r, w)
			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
		} else {
			// This condition is a potential security problem either in
			// the configuration or whatever is backing the access
			// controller. Just return a bad request with no information
			// to avoid exposure. The request should not proceed.
			dcontext.GetLogger(context).Errorf("error checking authorization: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}
		return err
	}

	context.Context = auth.WithUser(context.Context, grant.User)
	context.Context = dcontext.WithLogger(context.Context, dcontext.GetLogger(context.Context, auth.UserNameKey))
	return nil
}

// accessRecords returns the access the request needs: pull for reads,
// push for writes and delete for removals, on the named image or on the
// chunk for the content addressed routes.
func accessRecords(ctx *Context, r *http.Request) []auth.Access {
	action := "push"
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		action = "pull"
	case http.MethodDelete:
		action = "delete"
	}

	route := mux.CurrentRoute(r)
	if route == nil {
		return nil
	}
	switch route.GetName() {
	case v1.RouteNameBase:
		return nil
	case v1.RouteNameCatalog:
		return []auth.Access{{Resource: auth.Resource{Type: "registry", Name: "catalog"}, Action: "*"}}
	case v1.RouteNameChunk:
		return []auth.Access{{Resource: auth.Resource{Type: "chunk", Name: dcontext.GetStringValue(ctx, "vars.digest")}, Action: action}}
	case v1.RouteNamePullNegotiate:
		// negotiating a pull only reads
		action = "pull"
	}
	return []auth.Access{auth.ImageAccess(getName(ctx), action)}
}

// eventBridge returns a bridge for the current request, configured with the
// correct source.
func (app *App) eventBridge(ctx *Context, r *http.Request) notifications.Listener {
	request := notifications.NewRequestRecord(dcontext.GetRequestID(ctx), r)
	return notifications.NewBridge(ctx.urlBuilder, app.events.source, request, app.events.sink)
}

// nameRequired returns true if the route requires a name.
func (app *App) nameRequired(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return true
	}
	routeName := route.GetName()
	return routeName != v1.RouteNameBase && routeName != v1.RouteNameCatalog && routeName != v1.RouteNameChunk
}

// apiBase implements a simple yes-man for doing overall checks against the
// api.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v1/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

type errCodeKey struct{}

func (errCodeKey) String() string { return "err.code" }

type errMessageKey struct{}

func (errMessageKey) String() string { return "err.message" }

type errDetailKey struct{}

func (errDetailKey) String() string { return "err.detail" }

