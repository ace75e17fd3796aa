// Package s3 provides a storagedriver.StorageDriver implementation that
// keeps chunks and manifests in Amazon S3 or an S3 compatible service.
//
// Chunks and manifests are small and immutable, so every object is written
// with a single PutObject on Commit. Because S3 is a key, value store the
// Stat call does not report modification times for directories.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mitchellh/mapstructure"

	"github.com/goldboot/distribution/internal/dcontext"
	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/base"
	"github.com/goldboot/distribution/registry/storage/driver/factory"
)

const driverName = "s3aws"

// listMax is the page size S3 accepts for ListObjectsV2.
const listMax = 1000

// deleteMax is the largest amount of objects you can delete from S3 in a delete call
const deleteMax = 1000

// DriverParameters encapsulates all of the driver parameters after all
// values have been set.
type DriverParameters struct {
	AccessKey      string `mapstructure:"accesskey"`
	SecretKey      string `mapstructure:"secretkey"`
	SessionToken   string `mapstructure:"sessiontoken"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	RegionEndpoint string `mapstructure:"regionendpoint"`
	ForcePathStyle bool   `mapstructure:"forcepathstyle"`
	Encrypt        bool   `mapstructure:"encrypt"`
	KeyID          string `mapstructure:"keyid"`
	Secure         bool   `mapstructure:"secure"`
	SkipVerify     bool   `mapstructure:"skipverify"`
	RootDirectory  string `mapstructure:"rootdirectory"`
	StorageClass   string `mapstructure:"storageclass"`
}

func init() {
	factory.Register(driverName, &s3DriverFactory{})
}

// s3DriverFactory registers the "s3" driver with the factory.
type s3DriverFactory struct{}

func (factory *s3DriverFactory) Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error) {
	return FromParameters(ctx, parameters)
}

type driver struct {
	S3            s3iface.S3API
	Bucket        string
	Encrypt       bool
	KeyID         string
	RootDirectory string
	StorageClass  string
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon S3.
// Objects are stored at absolute keys in the provided bucket.
type Driver struct {
	baseEmbed
}

// FromParameters constructs a new Driver with a given parameters map.
// Required parameters:
// - bucket
// - region, unless regionendpoint is set
func FromParameters(ctx context.Context, parameters map[string]any) (*Driver, error) {
	params := DriverParameters{
		Secure:       true,
		StorageClass: s3.StorageClassStandard,
	}

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

	if params.Bucket == "" {
		return nil, fmt.Errorf("no bucket parameter provided")
	}
	if params.RegionEndpoint == "" && params.Region == "" {
		return nil, fmt.Errorf("no region parameter provided")
	}
	params.RootDirectory = strings.Trim(params.RootDirectory, "/")

	return New(ctx, params)
}

// New constructs a new Driver with the given AWS credentials, region,
// encryption flag, and bucket name.
func New(ctx context.Context, params DriverParameters) (*Driver, error) {
	awsConfig := aws.NewConfig().
		WithRegion(params.Region).
		WithS3ForcePathStyle(params.ForcePathStyle).
		WithDisableSSL(!params.Secure)

	if params.AccessKey != "" && params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			params.AccessKey,
			params.SecretKey,
			params.SessionToken,
		))
	}

	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
	}

	if params.SkipVerify {
		httpTransport := http.DefaultTransport.(*http.Transport).Clone()
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		awsConfig.WithHTTPClient(&http.Client{Transport: httpTransport})
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session with aws config: %v", err)
	}

	dcontext.GetLogger(ctx).Infof("s3 driver using bucket %q", params.Bucket)

	return newDriver(s3.New(sess), params), nil
}

func newDriver(api s3iface.S3API, params DriverParameters) *Driver {
	d := &driver{
		S3:            api,
		Bucket:        params.Bucket,
		Encrypt:       params.Encrypt,
		KeyID:         params.KeyID,
		RootDirectory: params.RootDirectory,
		StorageClass:  params.StorageClass,
	}

	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: d,
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface

func (d *driver) Name() string {
	return driverName
}

// GetContent returns the whole object at path.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	reader, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// PutContent writes contents to path in a single PutObject call.
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(path)),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		Body:                 bytes.NewReader(contents),
	})
	return parseError(path, err)
}

// Reader opens path with a ranged GetObject starting at offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	})
	if err != nil {
		if s3Err, ok := err.(awserr.Error); ok && s3Err.Code() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, parseError(path, err)
	}
	return resp.Body, nil
}

// Writer returns a FileWriter which will store the content written to it
// at the location designated by "path" after the call to Commit. Appending
// reads the committed object back into the buffer first.
func (d *driver) Writer(ctx context.Context, path string, appendMode bool) (storagedriver.FileWriter, error) {
	w := &writer{driver: d, path: path, buf: &bytes.Buffer{}}
	if appendMode {
		existing, err := d.GetContent(ctx, path)
		if err != nil {
			var notFound storagedriver.PathNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
		w.buf.Write(existing)
	}
	return w, nil
}

func (d *driver) statHead(ctx context.Context, path string) (*storagedriver.FileInfoFields, error) {
	resp, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
	})
	if err != nil {
		return nil, err
	}
	return &storagedriver.FileInfoFields{
		Path:    path,
		IsDir:   false,
		Size:    *resp.ContentLength,
		ModTime: *resp.LastModified,
	}, nil
}

func (d *driver) statList(ctx context.Context, path string) (*storagedriver.FileInfoFields, error) {
	s3Path := d.s3Path(path)
	resp, err := d.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(s3Path),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Contents) == 1 {
		if *resp.Contents[0].Key != s3Path {
			return &storagedriver.FileInfoFields{
				Path:  path,
				IsDir: true,
			}, nil
		}
		return &storagedriver.FileInfoFields{
			Path:    path,
			Size:    *resp.Contents[0].Size,
			ModTime: *resp.Contents[0].LastModified,
		}, nil
	}
	if len(resp.CommonPrefixes) == 1 {
		return &storagedriver.FileInfoFields{
			Path:  path,
			IsDir: true,
		}, nil
	}
	return nil, storagedriver.PathNotFoundError{Path: path}
}

// Stat reports the size and modification time of path, falling back
// to a prefix listing when the key is a directory.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	fi, err := d.statHead(ctx, path)
	if err != nil {
		// For AWS errors, we fail over to ListObjects:
		// Though the official docs https://docs.aws.amazon.com/AmazonS3/latest/API/API_HeadObject.html#API_HeadObject_Errors
		// are slightly outdated, the HeadObject actually returns NotFound error
		// if querying a key which doesn't exist or a key which has nested keys
		// and Forbidden if IAM/ACL permissions do not allow Head but allow List.
		var awsErr awserr.Error
		if errors.As(err, &awsErr) {
			fi, err = d.statList(ctx, path+"/")
			if err == nil {
				fi.Path = path
			}
		}
		if err != nil {
			return nil, parseError(path, err)
		}
	}
	return storagedriver.FileInfoInternal{FileInfoFields: *fi}, nil
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, opath string) ([]string, error) {
	path := opath
	if path != "/" && path[len(path)-1] != '/' {
		path = path + "/"
	}

	// This is to cover for the cases when the rootDirectory of the driver is either "" or "/".
	// In those cases, there is no root prefix to replace and we must actually add a "/" to all
	// results in order to keep them as valid paths as recognized by storagedriver.PathRegexp
	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}

	files := []string{}
	directories := []string{}

	err := d.S3.ListObjectsV2PagesWithContext(ctx, input, func(resp *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range resp.Contents {
			files = append(files, strings.Replace(*key.Key, d.s3Path(""), prefix, 1))
		}
		for _, commonPrefix := range resp.CommonPrefixes {
			commonPrefix := *commonPrefix.Prefix
			directories = append(directories, strings.Replace(commonPrefix[0:len(commonPrefix)-1], d.s3Path(""), prefix, 1))
		}
		return true
	})
	if err != nil {
		return nil, parseError(opath, err)
	}

	if opath != "/" && len(files) == 0 && len(directories) == 0 {
		// Treat empty response as missing directory, since we don't actually
		// have directories in s3.
		return nil, storagedriver.PathNotFoundError{Path: opath}
	}

	out := append(files, directories...)
	sort.Strings(out)
	return out, nil
}

// Move copies sourcePath to destPath and then deletes the source
// object. S3 has no rename.
func (d *driver) Move(ctx context.Context, sourcePath, destPath string) error {
	_, err := d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(destPath)),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		CopySource:           aws.String(d.Bucket + "/" + d.s3Path(sourcePath)),
	})
	if err != nil {
		return parseError(sourcePath, err)
	}
	return d.Delete(ctx, sourcePath)
}

// Delete removes every object whose key falls under path.
func (d *driver) Delete(ctx context.Context, path string) error {
	s3Path := d.s3Path(path)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(s3Path),
	}

	var objects []*s3.ObjectIdentifier
	err := d.S3.ListObjectsV2PagesWithContext(ctx, input, func(resp *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range resp.Contents {
			// Skip if we encounter a key that is not a subpath (so that deleting "/a" does not delete "/ab").
			if len(*key.Key) > len(s3Path) && (*key.Key)[len(s3Path)] != '/' {
				continue
			}
			objects = append(objects, &s3.ObjectIdentifier{Key: key.Key})
		}
		return true
	})
	if err != nil {
		return parseError(path, err)
	}
	if len(objects) == 0 {
		return storagedriver.PathNotFoundError{Path: path}
	}

	for len(objects) > 0 {
		n := min(len(objects), deleteMax)
		resp, err := d.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.Bucket),
			Delete: &s3.Delete{
				Objects: objects[:n],
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			errs := make([]error, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				errs = append(errs, fmt.Errorf("%s: %s", aws.StringValue(e.Key), aws.StringValue(e.Message)))
			}
			return storagedriver.Error{
				DriverName: driverName,
				Detail:     errors.Join(errs...),
			}
		}
		objects = objects[n:]
	}
	return nil
}

// Walk lists every key below from, calling f on each file.
func (d *driver) Walk(ctx context.Context, from string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, from, f)
}

func (d *driver) s3Path(path string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+path, "/")
}

func parseError(path string, err error) error {
	if err == nil {
		return nil
	}
	var s3Err awserr.Error
	if errors.As(err, &s3Err) {
		switch s3Err.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return storagedriver.PathNotFoundError{Path: path}
		}
	}
	return err
}

func (d *driver) getEncryptionMode() *string {
	if !d.Encrypt {
		return nil
	}
	if d.KeyID == "" {
		return aws.String("AES256")
	}
	return aws.String("aws:kms")
}

func (d *driver) getSSEKMSKeyID() *string {
	if d.KeyID != "" {
		return aws.String(d.KeyID)
	}
	return nil
}

func (d *driver) getStorageClass() *string {
	if d.StorageClass == "" || d.StorageClass == "NONE" {
		return nil
	}
	return aws.String(d.StorageClass)
}

// writer buffers the object in memory and uploads it in one request on
// Commit.
type writer struct {
	driver    *driver
	path      string
	buf       *bytes.Buffer
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
	w.buf.Reset()
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

	start := time.Now()
	if err := w.driver.PutContent(ctx, w.path, w.buf.Bytes()); err != nil {
		return err
	}
	w.committed = true
	dcontext.GetLogger(ctx).Debugf("s3 upload of %s (%d bytes) took %s", w.path, w.buf.Len(), time.Since(start))
	return nil
}
