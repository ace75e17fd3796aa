// Package badger provides a storagedriver.StorageDriver backed by an
// embedded BadgerDB key-value store. It suits a local image library that
// wants crash-safe writes without a directory tree of small files.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mitchellh/mapstructure"

	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/base"
	"github.com/goldboot/distribution/registry/storage/driver/factory"
)

const driverName = "badger"

// values are stored as an 8 byte modification time followed by the content
const headerSize = 8

func init() {
	factory.Register(driverName, &badgerDriverFactory{})
}

type badgerDriverFactory struct{}

func (factory *badgerDriverFactory) Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error) {
	return FromParameters(parameters)
}

// DriverParameters configures the database location.
type DriverParameters struct {
	RootDirectory string `mapstructure:"rootdirectory"`
	InMemory      bool   `mapstructure:"inmemory"`
}

type driver struct {
	db *badger.DB
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by BadgerDB.
type Driver struct {
	baseEmbed
	db *badger.DB
}

// FromParameters constructs a new Driver with a given parameters map.
func FromParameters(parameters map[string]any) (*Driver, error) {
	var params DriverParameters
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(parameters); err != nil {
		return nil, err
	}
	if !params.InMemory && params.RootDirectory == "" {
		return nil, fmt.Errorf("rootdirectory is required unless inmemory is set")
	}
	return New(params)
}

// New opens the database described by params.
func New(params DriverParameters) (*Driver, error) {
	opts := badger.DefaultOptions(params.RootDirectory).WithLogger(nil)
	if params.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{db: db},
			},
		},
		db: db,
	}, nil
}

// Close releases the database.
func (d *Driver) Close() error {
	return d.db.Close()
}

func (d *driver) Name() string {
	return driverName
}

func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		content = v[headerSize:]
		return nil
	})
	if err != nil {
		return nil, parseError(path, err)
	}
	return content, nil
}

func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), encodeValue(contents))
	})
}

func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	content, err := d.GetContent(ctx, path)
	if err != nil {
		return nil, err
	}
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	return io.NopCloser(bytes.NewReader(content[offset:])), nil
}

func (d *driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	w := &writer{d: d, path: path}
	if append {
		content, err := d.GetContent(ctx, path)
		if err != nil && !errors.As(err, new(storagedriver.PathNotFoundError)) {
			return nil, err
		}
		w.buf.Write(content)
	}
	return w, nil
}

func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	fi := storagedriver.FileInfoFields{Path: path}
	if path == "/" {
		fi.IsDir = true
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err == nil {
			return item.Value(func(v []byte) error {
				fi.Size = int64(len(v) - headerSize)
				fi.ModTime = decodeModTime(v)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		found := false
		iterateKeys(txn, path+"/", func(key string) bool {
			found = true
			return false
		})
		if !found {
			return badger.ErrKeyNotFound
		}
		fi.IsDir = true
		return nil
	})
	if err != nil {
		return nil, parseError(path, err)
	}
	return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
}

func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}

	seen := map[string]struct{}{}
	err := d.db.View(func(txn *badger.Txn) error {
		iterateKeys(txn, prefix, func(key string) bool {
			child := strings.SplitN(key[len(prefix):], "/", 2)[0]
			seen[prefix+child] = struct{}{}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
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

func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		moved := 0
		for _, key := range subtree(txn, sourcePath) {
			item, err := txn.Get([]byte(key))
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(destPath+key[len(sourcePath):]), v); err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			moved++
		}
		if moved == 0 {
			return badger.ErrKeyNotFound
		}
		return nil
	})
	return parseError(sourcePath, err)
}

func (d *driver) Delete(ctx context.Context, path string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		keys := subtree(txn, path)
		if len(keys) == 0 {
			return badger.ErrKeyNotFound
		}
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	return parseError(path, err)
}

func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

// subtree returns path itself, if it is a file, and every key below it.
func subtree(txn *badger.Txn, path string) []string {
	var keys []string
	if _, err := txn.Get([]byte(path)); err == nil {
		keys = append(keys, path)
	}
	iterateKeys(txn, path+"/", func(key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func iterateKeys(txn *badger.Txn, prefix string, fn func(key string) bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if !fn(string(it.Item().KeyCopy(nil))) {
			return
		}
	}
}

func encodeValue(content []byte) []byte {
	v := make([]byte, headerSize+len(content))
	binary.BigEndian.PutUint64(v, uint64(time.Now().UnixNano()))
	copy(v[headerSize:], content)
	return v
}

func decodeModTime(v []byte) time.Time {
	if len(v) < headerSize {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v)))
}

func parseError(path string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return err
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
	switch {
	case w.closed:
		return 0, fmt.Errorf("already closed")
	case w.committed:
		return 0, fmt.Errorf("already committed")
	case w.cancelled:
		return 0, fmt.Errorf("already cancelled")
	}
	return w.buf.Write(p)
}

func (w *writer) Size() int64 {
	return int64(w.buf.Len())
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	switch {
	case w.closed:
		return fmt.Errorf("already closed")
	case w.committed:
		return fmt.Errorf("already committed")
	case w.cancelled:
		return fmt.Errorf("already cancelled")
	}
	w.committed = true
	return w.d.PutContent(ctx, w.path, w.buf.Bytes())
}
