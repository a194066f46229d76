package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize is the default maximum size for reference images (256MB).
const DefaultMaxFileSize = 256 << 20

// ReadOptions configures the behavior of ReadFile and OpenRegular.
type ReadOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks allows following symlinks. Default is false.
	AllowSymlinks bool
}

func (o *ReadOptions) maxSize() int64 {
	if o == nil || o.MaxSize == 0 {
		return DefaultMaxFileSize
	}
	return o.MaxSize
}

// OpenRegular opens path for reading after checking that it names a regular
// file within the size limit. Symlinks are rejected unless allowed.
func OpenRegular(path string, opts *ReadOptions) (*os.File, os.FileInfo, error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if opts == nil || !opts.AllowSymlinks {
			return nil, nil, fmt.Errorf("file %q is a symlink, which is not allowed", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return nil, nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if limit := opts.maxSize(); info.Size() > limit {
		return nil, nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", limit)
	}

	// #nosec G304 - validated above.
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}

// ReadFile reads a regular file with the same validations as OpenRegular.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	f, info, err := OpenRegular(path, opts)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, nil
}
