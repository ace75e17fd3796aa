// Package purge schedules the removal of abandoned chunk uploads.
package purge

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/storage"
	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
)

// PurgeOption contains options for purging uploads
type PurgeOption struct {
	Enabled  bool          `mapstructure:"enabled"`
	Age      time.Duration `mapstructure:"age"`
	Interval time.Duration `mapstructure:"interval"`
	DryRun   bool          `mapstructure:"dryrun"`
}

func (po *PurgeOption) String() string {
	return fmt.Sprintf("enabled=%t dryrun=%t age=%s interval=%s", po.Enabled, po.DryRun, po.Age, po.Interval)
}

// UploadPurgeDefaultConfig provides a default configuration for upload
// purging to be used in the absence of configuration in the
// configuration file
func UploadPurgeDefaultConfig() map[interface{}]interface{} {
	config := map[interface{}]interface{}{}
	config["enabled"] = true
	config["age"] = "168h"
	config["interval"] = "24h"
	config["dryrun"] = false
	return config
}

// ParseConfig will parse purge uploads configs and set default values if not set
func ParseConfig(config map[interface{}]interface{}) (*PurgeOption, error) {
	po := &PurgeOption{
		Age:      168 * time.Hour,
		Interval: 24 * time.Hour,
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     po,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("unable to parse upload purge configuration: %w", err)
	}
	if po.Interval <= 0 {
		return nil, fmt.Errorf("unable to parse upload purge configuration: interval must be positive")
	}
	return po, nil
}

// Schedule runs an upload purge after a random delay of up to a minute and
// then on every interval, until ctx is done. It returns immediately.
func Schedule(ctx context.Context, driver storagedriver.StorageDriver, po *PurgeOption) {
	if !po.Enabled {
		dcontext.GetLogger(ctx).Info("upload purging disabled")
		return
	}

	// jitter so several instances sharing a backend do not purge at once
	jitter := time.Duration(rand.Int()%60) * time.Second
	dcontext.GetLogger(ctx).Infof("starting upload purge in %s (%s)", jitter, po)

	go func() {
		timer := time.NewTimer(jitter)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			Run(ctx, driver, po)
			timer.Reset(po.Interval)
		}
	}()
}

// Run purges once, removing uploads started before now minus the configured
// age.
func Run(ctx context.Context, driver storagedriver.StorageDriver, po *PurgeOption) []string {
	deleted, errs := storage.PurgeUploads(ctx, driver, time.Now().Add(-po.Age), !po.DryRun)
	for _, err := range errs {
		dcontext.GetLogger(ctx).WithError(err).Warn("upload purge")
	}
	return deleted
}
