package imaging

import (
	"io"
	"os"
	"strings"

	"github.com/cyverse/thumbcache/utils"
	"golang.org/x/xerrors"
)

// SourceOpener opens the raw bytes of a source image.
// Every call returns a fresh stream positioned at the start of the source.
type SourceOpener interface {
	Open(sourceID string) (io.ReadCloser, error)
}

// SourceOpenerFunc adapts a function to SourceOpener
type SourceOpenerFunc func(sourceID string) (io.ReadCloser, error)

// Open opens the source
func (fn SourceOpenerFunc) Open(sourceID string) (io.ReadCloser, error) {
	return fn(sourceID)
}

// FileSourceOpener opens sources from the local filesystem.
// With a root path, source ids are paths relative to the root and may not escape it.
type FileSourceOpener struct {
	rootPath string
}

// NewFileSourceOpener creates a new FileSourceOpener
func NewFileSourceOpener(rootPath string) *FileSourceOpener {
	return &FileSourceOpener{
		rootPath: rootPath,
	}
}

// GetRootPath returns root path
func (opener *FileSourceOpener) GetRootPath() string {
	return opener.rootPath
}

// Open opens the source file
func (opener *FileSourceOpener) Open(sourceID string) (io.ReadCloser, error) {
	path := sourceID
	if len(opener.rootPath) > 0 {
		relPath := strings.TrimLeft(sourceID, "/")
		if !utils.IsSafeRelativePath(relPath) {
			return nil, xerrors.Errorf("source id %q escapes the source root", sourceID)
		}
		path = utils.JoinPath(opener.rootPath, relPath)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.IsDir() {
		f.Close()
		return nil, xerrors.Errorf("source %q is a directory", sourceID)
	}

	return f, nil
}
