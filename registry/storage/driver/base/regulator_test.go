package base

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/stretchr/testify/require"
)

func TestGetLimitFromParameter(t *testing.T) {
	tests := []struct {
		Input    any
		Expected uint64
		Min      uint64
		Default  uint64
		Err      bool
	}{
		{"foo", 0, 5, 5, true},
		{"50", 50, 5, 5, false},
		{"5", 25, 25, 50, false}, // lower than Min returns Min
		{nil, 50, 25, 50, false}, // nil returns default
		{812, 812, 25, 50, false},
		{-3, 25, 25, 50, false},
		{3.5, 0, 25, 50, true},
	}

	for _, item := range tests {
		item := item
		t.Run(fmt.Sprint(item.Input), func(t *testing.T) {
			actual, err := GetLimitFromParameter(item.Input, item.Min, item.Default)
			if item.Err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, item.Expected, actual)
		})
	}
}

type slowDriver struct {
	storagedriver.StorageDriver
	inflight, peak int64
}

func (d *slowDriver) GetContent(ctx context.Context, path string) ([]byte, error) {
	n := atomic.AddInt64(&d.inflight, 1)
	for {
		p := atomic.LoadInt64(&d.peak)
		if n <= p || atomic.CompareAndSwapInt64(&d.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt64(&d.inflight, -1)
	return nil, nil
}

func TestRegulatorBoundsConcurrency(t *testing.T) {
	backend := &slowDriver{}
	r := NewRegulator(backend, 2)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.GetContent(context.Background(), "/x")
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&backend.peak), int64(2))
}
