package inmemory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/base"
	"github.com/goldboot/distribution/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type file struct {
	data []byte
	mod  time.Time
}

type driver struct {
	files map[string]*file
	mutex sync.RWMutex
}

// baseEmbed allows us to hide the Base embed.
type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local
// map. Intended for tests and throwaway local libraries.
type Driver struct {
	baseEmbed // embedded, hidden base driver.
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{
					files: make(map[string]*file),
				},
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	return append([]byte(nil), f.data...), nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isDir(path) {
		return fmt.Errorf("%q is a directory", path)
	}

	d.files[path] = &file{data: append([]byte(nil), contents...), mod: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	if offset > int64(len(f.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}

	return io.NopCloser(bytes.NewReader(append([]byte(nil), f.data[offset:]...))), nil
}

// Writer returns a FileWriter which will store the content written to it
// at the location designated by "path" after the call to Commit.
func (d *driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	w := &writer{d: d, path: path}
	if append {
		f, ok := d.files[path]
		if !ok {
			return nil, storagedriver.PathNotFoundError{Path: path}
		}
		w.buf.Write(f.data)
	}
	return w, nil
}

// Stat returns info about the provided path.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if f, ok := d.files[path]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    path,
			Size:    int64(len(f.data)),
			ModTime: f.mod,
		}}, nil
	}

	var mod time.Time
	found := path == "/"
	for key, f := range d.files {
		if strings.HasPrefix(key, dirPrefix(path)) {
			found = true
			if f.mod.After(mod) {
				mod = f.mod
			}
		}
	}
	if !found {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
		Path:    path,
		IsDir:   true,
		ModTime: mod,
	}}, nil
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	prefix := dirPrefix(path)
	seen := map[string]struct{}{}
	for key := range d.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		child, _, _ := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		seen[prefix+child] = struct{}{}
	}

	if len(seen) == 0 && path != "/" {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if f, ok := d.files[sourcePath]; ok {
		delete(d.files, sourcePath)
		d.files[destPath] = f
		return nil
	}

	prefix := dirPrefix(sourcePath)
	moved := false
	for key, f := range d.files {
		if strings.HasPrefix(key, prefix) {
			delete(d.files, key)
			d.files[dirPrefix(destPath)+strings.TrimPrefix(key, prefix)] = f
			moved = true
		}
	}
	if !moved {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, path string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	deleted := false
	if _, ok := d.files[path]; ok {
		delete(d.files, path)
		deleted = true
	}

	prefix := dirPrefix(path)
	for key := range d.files {
		if strings.HasPrefix(key, prefix) {
			delete(d.files, key)
			deleted = true
		}
	}

	if !deleted {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// Walk traverses a filesystem defined within driver, starting
// from the given path, calling f on each file.
func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

// isDir reports whether any file lives below path. Callers hold the lock.
func (d *driver) isDir(path string) bool {
	prefix := dirPrefix(path)
	for key := range d.files {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func dirPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

type writer struct {
	d         *driver
	path      string
	buf       bytes.Buffer
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("already closed")
	} else if w.committed {
		return 0, errors.New("already committed")
	} else if w.cancelled {
		return 0, errors.New("already cancelled")
	}

	return w.buf.Write(p)
}

func (w *writer) Size() int64 {
	return int64(w.buf.Len())
}

func (w *writer) Close() error {
	if w.closed {
		return errors.New("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return errors.New("already closed")
	} else if w.committed {
		return errors.New("already committed")
	}
	w.cancelled = true
	w.buf.Reset()
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return errors.New("already closed")
	} else if w.committed {
		return errors.New("already committed")
	} else if w.cancelled {
		return errors.New("already cancelled")
	}
	w.committed = true

	w.d.mutex.Lock()
	defer w.d.mutex.Unlock()

	w.d.files[w.path] = &file{data: append([]byte(nil), w.buf.Bytes()...), mod: time.Now()}
	return nil
}
