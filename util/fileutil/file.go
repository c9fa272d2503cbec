package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

// ReadFileBytes reads a whole local file or s3:// object.
func ReadFileBytes(filename string) ([]byte, error) {
	return ReadFileBytesContext(context.Background(), filename)
}

func ReadFileBytesContext(ctx context.Context, filename string) (content []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, readErr := io.Copy(buf, file); readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), nil
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// WalkDir visits every object below URL. The handler receives the parent location,
// the object info and, for files, a reader over its content.
func WalkDir(ctx context.Context, URL string, handler storage.OnVisit) error {
	return fileSystem.Walk(ctx, URL, handler)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// FileStats returns the object info for a local path or s3:// URL.
func FileStats(filename string) (os.FileInfo, error) {
	object, err := fileSystem.Object(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	return object, nil
}

func IsDir(filename string) (bool, error) {
	info, err := FileStats(filename)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// NewWriter opens a writer on a local path or s3:// URL, creating parent folders as needed.
func NewWriter(ctx context.Context, URL string, mode os.FileMode) (io.WriteCloser, error) {
	return fileSystem.NewWriter(ctx, URL, mode)
}
