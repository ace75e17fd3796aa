package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type changingFileSystem struct {
	StorageDriver
	fileset   []string
	keptFiles map[string]bool
}

func (cfs *changingFileSystem) List(ctx context.Context, path string) ([]string, error) {
	return cfs.fileset, nil
}

func (cfs *changingFileSystem) Stat(ctx context.Context, path string) (FileInfo, error) {
	if cfs.keptFiles[path] {
		return &FileInfoInternal{FileInfoFields: FileInfoFields{Path: path}}, nil
	}
	return nil, PathNotFoundError{Path: path}
}

type fileSystem struct {
	StorageDriver
	fileset map[string][]string
}

func (cfs *fileSystem) List(_ context.Context, path string) ([]string, error) {
	return cfs.fileset[path], nil
}

func (cfs *fileSystem) Stat(_ context.Context, path string) (FileInfo, error) {
	_, isDir := cfs.fileset[path]
	return &FileInfoInternal{
		FileInfoFields: FileInfoFields{
			Path:  path,
			IsDir: isDir,
			Size:  int64(len(path)),
		},
	}, nil
}

func TestWalkFileRemoved(t *testing.T) {
	d := &changingFileSystem{
		fileset:   []string{"/zoidberg", "/bender"},
		keptFiles: map[string]bool{"/zoidberg": true},
	}

	var infos []FileInfo
	err := WalkFallback(context.Background(), d, "/", func(fileInfo FileInfo) error {
		infos = append(infos, fileInfo)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "/zoidberg", infos[0].Path())
}

func TestWalkSkipDir(t *testing.T) {
	d := &fileSystem{
		fileset: map[string][]string{
			"/":          {"/v1"},
			"/v1":        {"/v1/chunks", "/v1/images"},
			"/v1/chunks": {"/v1/chunks/a", "/v1/chunks/b"},
			"/v1/images": {"/v1/images/ubuntu"},
		},
	}

	var walked []string
	err := WalkFallback(context.Background(), d, "/", func(fileInfo FileInfo) error {
		walked = append(walked, fileInfo.Path())
		if fileInfo.Path() == "/v1/chunks" {
			return ErrSkipDir
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/v1", "/v1/chunks", "/v1/images", "/v1/images/ubuntu"}, walked)
}

func TestWalkStopsOnError(t *testing.T) {
	d := &fileSystem{
		fileset: map[string][]string{
			"/": {"/a", "/b", "/c"},
		},
	}

	boom := errors.New("boom")
	var walked []string
	err := WalkFallback(context.Background(), d, "/", func(fileInfo FileInfo) error {
		walked = append(walked, fileInfo.Path())
		if fileInfo.Path() == "/b" {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"/a", "/b"}, walked)
}
