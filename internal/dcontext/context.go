package dcontext

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type instanceIDKey struct{}

func (instanceIDKey) String() string { return "instance.id" }

var (
	once       sync.Once
	instanceID string
)

// Background returns a background context carrying the process-wide
// instance id.
func Background() context.Context {
	once.Do(func() {
		instanceID = uuid.NewString()
	})

	return context.WithValue(context.Background(), instanceIDKey{}, instanceID)
}

// GetInstanceID returns the instance id set by Background, or an empty
// string.
func GetInstanceID(ctx context.Context) string {
	return GetStringValue(ctx, instanceIDKey{})
}

// stringMapContext checks a map for a string key, falling back to the
// parent when absent.
type stringMapContext struct {
	context.Context
	m map[string]any
}

// WithValues returns a context that proxies lookups through a map. Only
// supports string keys.
func WithValues(ctx context.Context, m map[string]any) context.Context {
	mo := make(map[string]any, len(m))
	for k, v := range m {
		mo[k] = v
	}

	return stringMapContext{
		Context: ctx,
		m:       mo,
	}
}

func (smc stringMapContext) Value(key any) any {
	if ks, ok := key.(string); ok {
		if v, ok := smc.m[ks]; ok {
			return v
		}
	}

	return smc.Context.Value(key)
}

// DetachedContext returns a context that keeps the values of ctx but is
// never canceled. Notifications and cache writes that outlive a request use
// it.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
