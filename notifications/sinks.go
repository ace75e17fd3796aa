package notifications

import (
	"errors"
	"sync"

	events "github.com/docker/go-events"

	"github.com/goldboot/distribution/internal/dcontext"
)

// eventQueueListener observes events entering and leaving an eventQueue.
type eventQueueListener interface {
	ingress(event events.Event)
	egress(event events.Event)
}

// eventQueue buffers events without bound in front of a slow endpoint so
// registry requests never wait on delivery. Events the endpoint rejects
// are logged and dropped.
type eventQueue struct {
	queue     *events.Queue
	listeners []eventQueueListener

	mu     sync.Mutex
	closed bool
}

func newEventQueue(sink events.Sink, listeners ...eventQueueListener) *eventQueue {
	return &eventQueue{
		queue:     events.NewQueue(&deliverySink{Sink: sink, listeners: listeners}),
		listeners: listeners,
	}
}

// Write enqueues event. It fails only once the queue is closed.
func (eq *eventQueue) Write(event events.Event) error {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.closed {
		return ErrSinkClosed
	}

	for _, l := range eq.listeners {
		l.ingress(event)
	}
	return eq.queue.Write(event)
}

// Close delivers everything still queued, then closes the endpoint sink.
func (eq *eventQueue) Close() error {
	eq.mu.Lock()
	if eq.closed {
		eq.mu.Unlock()
		return errors.New("eventqueue: already closed")
	}
	eq.closed = true
	eq.mu.Unlock()

	return eq.queue.Close()
}

// deliverySink sits between the queue and the endpoint and reports each
// delivery attempt to the listeners.
type deliverySink struct {
	events.Sink
	listeners []eventQueueListener
}

func (ds *deliverySink) Write(event events.Event) error {
	err := ds.Sink.Write(event)
	if err != nil {
		dcontext.GetLogger(dcontext.Background()).WithError(err).Warnf("eventqueue: dropping event for %v", ds.Sink)
	}
	for _, l := range ds.listeners {
		l.egress(event)
	}
	return err
}

// newIgnoredSink drops events whose action is listed in ignoreActions.
func newIgnoredSink(sink events.Sink, ignoreActions []string) events.Sink {
	if len(ignoreActions) == 0 {
		return sink
	}

	ignored := make(map[string]bool, len(ignoreActions))
	for _, action := range ignoreActions {
		ignored[action] = true
	}
	return events.NewFilter(sink, events.MatcherFunc(func(event events.Event) bool {
		e, ok := event.(Event)
		return !ok || !ignored[e.Action]
	}))
}
