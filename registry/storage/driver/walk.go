package driver

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrSkipDir is used as a return value from onFileFunc to indicate that
// the directory named in the call is to be skipped. It is not returned
// as an error by any function.
var ErrSkipDir = errors.New("skip this directory")

// ErrFilledBuffer is used as a return value from onFileFunc to indicate
// that the requested number of entries has been reached and the walk can
// stop.
var ErrFilledBuffer = errors.New("we have enough entries")

// WalkFn is called once per file by Walk
type WalkFn func(fileInfo FileInfo) error

// WalkFallback traverses a filesystem defined within driver, starting from
// the given path, calling f on each file. It uses List and Stat to drive
// itself, for drivers without a cheaper native walk.
func WalkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn) error {
	_, err := doWalkFallback(ctx, driver, from, f)
	return err
}

func doWalkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn) (bool, error) {
	children, err := driver.List(ctx, from)
	if err != nil {
		return false, err
	}
	sort.Strings(children)
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		fileInfo, err := driver.Stat(ctx, child)
		if err != nil {
			var notFound PathNotFoundError
			if errors.As(err, &notFound) {
				// removed between listing and enumeration
				logrus.WithField("path", child).Infof("ignoring deleted path")
				continue
			}
			return false, err
		}

		err = f(fileInfo)
		switch {
		case err == nil && fileInfo.IsDir():
			if ok, err := doWalkFallback(ctx, driver, child, f); err != nil || !ok {
				return ok, err
			}
		case errors.Is(err, ErrSkipDir):
			if !fileInfo.IsDir() {
				return false, nil
			}
		case err != nil:
			return false, err
		}
	}
	return true, nil
}
