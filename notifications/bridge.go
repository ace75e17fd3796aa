package notifications

import (
	"context"
	"net/http"
	"time"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/internal/uuid"
)

type bridge struct {
	ub      URLBuilder
	source  SourceRecord
	request RequestRecord
	sink    events.Sink
}

var _ Listener = &bridge{}

// URLBuilder defines a subset of url builder to be used by the event listener.
type URLBuilder interface {
	BuildManifestURL(name, version string) (string, error)
	BuildChunkURL(dgst digest.Digest) (string, error)
}

// NewBridge returns a notification listener that writes records to sink,
// using the source and request. Any urls populated in the events created by
// this bridge will be created using the URLBuilder.
func NewBridge(ub URLBuilder, source SourceRecord, request RequestRecord, sink events.Sink) Listener {
	return &bridge{
		ub:      ub,
		source:  source,
		request: request,
		sink:    sink,
	}
}

// NewRequestRecord builds a RequestRecord for use in NewBridge from an
// http.Request, associating it with a request id.
func NewRequestRecord(id string, r *http.Request) RequestRecord {
	return RequestRecord{
		ID:        id,
		Addr:      dcontext.RemoteAddr(r),
		Host:      r.Host,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
	}
}

func (b *bridge) ChunkPushed(ctx context.Context, desc v1.Descriptor) error {
	event := b.createEvent(EventActionChunkPush)
	event.Target.Descriptor = desc
	if desc.MediaType == "" {
		event.Target.MediaType = distribution.MediaTypeChunk
	}

	u, err := b.ub.BuildChunkURL(desc.Digest)
	if err != nil {
		return err
	}
	event.Target.URL = u

	return b.sink.Write(*event)
}

func (b *bridge) ManifestCommitted(ctx context.Context, name, version string, desc v1.Descriptor) error {
	return b.createManifestEventAndWrite(EventActionManifestCommit, name, version, desc)
}

func (b *bridge) ManifestPulled(ctx context.Context, name, version string, desc v1.Descriptor) error {
	return b.createManifestEventAndWrite(EventActionManifestPull, name, version, desc)
}

func (b *bridge) ManifestDeleted(ctx context.Context, name, version string) error {
	event := b.createEvent(EventActionManifestDelete)
	event.Target.MediaType = distribution.MediaTypeManifest
	event.Target.Name = name
	event.Target.Version = version

	return b.sink.Write(*event)
}

func (b *bridge) createManifestEventAndWrite(action, name, version string, desc v1.Descriptor) error {
	event := b.createEvent(action)
	event.Target.Descriptor = desc
	event.Target.Name = name
	event.Target.Version = version

	u, err := b.ub.BuildManifestURL(name, version)
	if err != nil {
		return err
	}
	event.Target.URL = u

	return b.sink.Write(*event)
}

// createEvent creates an event with actor and source populated.
func (b *bridge) createEvent(action string) *Event {
	event := createEvent(action)
	event.Source = b.source
	event.Request = b.request

	return event
}

// createEvent returns a new event, timestamped, with the specified action.
func createEvent(action string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
	}
}
