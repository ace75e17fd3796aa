package notifications

import (
	"net/http"
	"time"

	events "github.com/docker/go-events"

	"github.com/goldboot/distribution/configuration"
)

// EndpointConfig covers the optional configuration parameters for an active
// endpoint.
type EndpointConfig struct {
	Headers       http.Header
	Timeout       time.Duration
	Threshold     int
	Backoff       time.Duration
	IgnoreActions []string
	Transport     *http.Transport `json:"-"`

	// Sync skips the queue: Write returns once the endpoint has accepted
	// the event or retries were exhausted.
	Sync bool

	testOnlyDoNotRegister bool
}

// defaults set any zero-valued fields to a reasonable default.
func (ec *EndpointConfig) defaults() {
	if ec.Timeout <= 0 {
		ec.Timeout = time.Second
	}

	if ec.Threshold <= 0 {
		ec.Threshold = 10
	}

	if ec.Backoff <= 0 {
		ec.Backoff = time.Second
	}

	if ec.Transport == nil {
		ec.Transport = http.DefaultTransport.(*http.Transport)
	}
}

// Endpoint is a reliable, queued, thread-safe sink that notify external http
// services when events are written. Writes are non-blocking and always
// succeed for callers but events may be queued internally.
type Endpoint struct {
	events.Sink
	url  string
	name string

	EndpointConfig

	metrics *safeMetrics
}

// NewEndpoint returns a running endpoint, ready to receive events.
func NewEndpoint(name, url string, config EndpointConfig) *Endpoint {
	var endpoint Endpoint
	endpoint.name = name
	endpoint.url = url
	endpoint.EndpointConfig = config
	endpoint.defaults()
	endpoint.metrics = newSafeMetrics(name)

	// Configures the inmemory queue, retry, http pipeline.
	endpoint.Sink = newHTTPSink(
		endpoint.url, endpoint.Timeout, endpoint.Headers,
		endpoint.Transport, endpoint.metrics.httpStatusListener())
	endpoint.Sink = events.NewRetryingSink(endpoint.Sink, events.NewBreaker(endpoint.Threshold, endpoint.Backoff))
	if !endpoint.Sync {
		endpoint.Sink = newEventQueue(endpoint.Sink, endpoint.metrics.eventQueueListener())
	}
	endpoint.Sink = newIgnoredSink(endpoint.Sink, config.IgnoreActions)

	if !config.testOnlyDoNotRegister {
		register(&endpoint)
	}
	return &endpoint
}

// Name returns the name of the endpoint, generally used for debugging.
func (e *Endpoint) Name() string {
	return e.name
}

// URL returns the url of the endpoint.
func (e *Endpoint) URL() string {
	return e.url
}

// ReadMetrics populates em with metrics from the endpoint.
func (e *Endpoint) ReadMetrics(em *EndpointMetrics) {
	e.metrics.Lock()
	defer e.metrics.Unlock()

	*em = e.metrics.EndpointMetrics
	// Map still need to copied in a threadsafe manner.
	em.Statuses = make(map[string]int)
	for k, v := range e.metrics.Statuses {
		em.Statuses[k] = v
	}
}

// NewSink builds the broadcaster fanning events out to every enabled
// endpoint in config. Disabled endpoints are skipped.
func NewSink(config configuration.Notifications) events.Sink {
	var sinks []events.Sink
	for _, ep := range config.Endpoints {
		if ep.Disabled {
			continue
		}
		sinks = append(sinks, NewEndpoint(ep.Name, ep.URL, EndpointConfig{
			Headers:       ep.Headers,
			Timeout:       ep.Timeout,
			Threshold:     ep.Threshold,
			Backoff:       ep.Backoff,
			IgnoreActions: ep.Ignore.Actions,
		}))
	}
	return events.NewBroadcaster(sinks...)
}
