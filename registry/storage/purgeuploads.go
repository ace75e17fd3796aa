package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goldboot/distribution/internal/uuid"
	storageDriver "github.com/goldboot/distribution/registry/storage/driver"
)

// uploadData stored the location of temporary files created during a chunk
// upload, along with the date the upload was started.
type uploadData struct {
	containingDir string
	startedAt     time.Time
}

func newUploadData() uploadData {
	return uploadData{
		containingDir: "",
		// default to far in future to protect against missing startedat
		startedAt: time.Now().Add(10000 * time.Hour),
	}
}

// PurgeUploads deletes files from the upload directory created before
// olderThan. The list of files deleted and errors encountered are returned.
func PurgeUploads(ctx context.Context, driver storageDriver.StorageDriver, olderThan time.Time, actuallyDelete bool) ([]string, []error) {
	logrus.Infof("PurgeUploads starting: olderThan=%s, actuallyDelete=%t", olderThan, actuallyDelete)
	uploadData, errors := getOutstandingUploads(ctx, driver)
	var deleted []string
	for _, uploadData := range uploadData {
		if uploadData.startedAt.Before(olderThan) {
			var err error
			logrus.Infof("Upload files in %s have older date (%s) than purge date (%s).  Removing upload directory.",
				uploadData.containingDir, uploadData.startedAt, olderThan)
			if actuallyDelete {
				err = driver.Delete(ctx, uploadData.containingDir)
			}
			if err == nil {
				deleted = append(deleted, uploadData.containingDir)
			} else {
				errors = append(errors, err)
			}
		}
	}

	logrus.Infof("Purge uploads finished.  Num deleted=%d, num errors=%d", len(deleted), len(errors))
	return deleted, errors
}

// getOutstandingUploads walks the upload directory, collecting files
// which could be eligible for deletion. The only reliable way to
// classify the age of a file is with the date stored in the startedAt
// file, so gather files by uuid with a date from startedAt.
func getOutstandingUploads(ctx context.Context, driver storageDriver.StorageDriver) (map[string]uploadData, []error) {
	var errs []error
	uploads := make(map[string]uploadData)

	root, err := pathFor(uploadsPathSpec{})
	if err != nil {
		return uploads, append(errs, err)
	}

	err = driver.Walk(ctx, root, func(fileInfo storageDriver.FileInfo) error {
		filePath := fileInfo.Path()
		_, file := path.Split(filePath)
		if file[0] == '_' {
			// Reserved directory
			if fileInfo.IsDir() {
				return storageDriver.ErrSkipDir
			}
			return nil
		}

		id, isContainingDir := uuidFromPath(root, filePath)
		if id == "" {
			// Cannot reliably delete
			return nil
		}
		ud, ok := uploads[id]
		if !ok {
			ud = newUploadData()
		}
		if isContainingDir {
			ud.containingDir = filePath
		}
		if file == "startedat" {
			if t, err := readStartedAtFile(ctx, driver, filePath); err == nil {
				ud.startedAt = t
			} else {
				errs = pushError(errs, filePath, err)
			}
		}

		uploads[id] = ud
		return nil
	})

	if err != nil && !errors.As(err, &storageDriver.PathNotFoundError{}) {
		errs = pushError(errs, root, err)
	}
	return uploads, errs
}

// uuidFromPath extracts the upload UUID from a given path. If the UUID is
// the last path component, this is the containing directory for all upload
// files.
func uuidFromPath(root, p string) (string, bool) {
	rel := strings.TrimPrefix(p, root+"/")
	if rel == p {
		return "", false
	}
	components := strings.Split(rel, "/")
	if !uuid.Valid(components[0]) {
		return "", false
	}
	return components[0], len(components) == 1
}

// readStartedAtFile reads the date from an upload's startedAtFile
func readStartedAtFile(ctx context.Context, driver storageDriver.StorageDriver, path string) (time.Time, error) {
	startedAtBytes, err := driver.GetContent(ctx, path)
	if err != nil {
		return time.Now(), err
	}
	startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
	if err != nil {
		return time.Now(), err
	}
	return startedAt, nil
}

func pushError(errs []error, path string, err error) []error {
	return append(errs, &uploadPurgeError{path: path, err: err})
}

type uploadPurgeError struct {
	path string
	err  error
}

func (e *uploadPurgeError) Error() string {
	return "unable to purge " + e.path + ": " + e.err.Error()
}

func (e *uploadPurgeError) Unwrap() error { return e.err }
