package factory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
)

// driverFactories stores an internal mapping between storage driver names and their respective
// factories
var driverFactories = make(map[string]StorageDriverFactory)

// StorageDriverFactory is a factory interface for creating storagedriver.StorageDriver interfaces
// Storage drivers should call Register() with a factory to make the driver available by name.
// Individual StorageDriver implementations generally register with the factory via the Register
// func (below) in their init() funcs, and as such they should be imported anonymously before use.
type StorageDriverFactory interface {
	// Create returns a new storagedriver.StorageDriver with the given parameters
	// Parameters will vary by driver and may be ignored
	// Each parameter key must only consist of lowercase letters and numbers
	Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error)
}

// Register makes a storage driver available by the provided name.
// If Register is called twice with the same name or if driver factory is nil, it panics.
// Additionally, it is not concurrency safe. Most Storage Drivers call this function
// in their init() functions.
func Register(name string, factory StorageDriverFactory) {
	if factory == nil {
		panic("Must not provide nil StorageDriverFactory")
	}
	_, registered := driverFactories[name]
	if registered {
		panic(fmt.Sprintf("StorageDriverFactory named %s already registered", name))
	}

	driverFactories[name] = factory
}

// Create a new storagedriver.StorageDriver with the given name and
// parameters. To use a driver, the StorageDriverFactory must first be
// registered with the given name. If no drivers are found, an
// InvalidStorageDriverError is returned. The driver is checked for read,
// write and delete permissions before it is returned.
func Create(ctx context.Context, name string, parameters map[string]any) (storagedriver.StorageDriver, error) {
	driverFactory, ok := driverFactories[name]
	if !ok {
		return nil, InvalidStorageDriverError{name}
	}
	d, err := driverFactory.Create(ctx, parameters)
	if err != nil {
		return nil, err
	}
	if err := verify(ctx, d); err != nil {
		return nil, fmt.Errorf("unable to verify read, write and delete permissions on storage type %q: %w", name, err)
	}
	return d, nil
}

func verify(ctx context.Context, driver storagedriver.StorageDriver) error {
	randomFile := "/" + uuid.NewString()
	if err := driver.PutContent(ctx, randomFile, []byte("")); err != nil {
		return fmt.Errorf("unable to write verification file: %w", err)
	}

	// May have eventually consistent storage
	max := 3 * time.Second
	duration := 10 * time.Millisecond

	for duration < max {
		if _, err := driver.Stat(ctx, randomFile); err != nil {
			var notFound storagedriver.PathNotFoundError
			if errors.As(err, &notFound) {
				time.Sleep(duration)
				duration = backOffSeconds(duration)
				continue
			}
			return err
		}
		if _, err := driver.GetContent(ctx, randomFile); err != nil {
			return fmt.Errorf("unable to read verification file: %w", err)
		}
		break
	}

	if err := driver.Delete(ctx, randomFile); err != nil {
		return fmt.Errorf("unable to delete verification file: %w", err)
	}
	return nil
}

func backOffSeconds(d time.Duration) time.Duration {
	d *= 2
	d += time.Microsecond * time.Duration(rand.Int63n(1000))
	return d
}

// InvalidStorageDriverError records an attempt to construct an unregistered storage driver
type InvalidStorageDriverError struct {
	Name string
}

func (err InvalidStorageDriverError) Error() string {
	return fmt.Sprintf("StorageDriver not registered: %s", err.Name)
}
