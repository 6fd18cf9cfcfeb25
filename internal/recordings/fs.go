// Package recordings resolves opaque audio URIs to files on local disk.
package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned when the referenced recording is gone. It matches
// fs.ErrNotExist under errors.Is.
var ErrNotExist = fmt.Errorf("recording file does not exist: %w", fs.ErrNotExist)

// ErrOutsideRoot is returned by ValidateLocal for URIs that do not name a
// file inside the recordings dir.
var ErrOutsideRoot = errors.New("recording uri must be a relative path inside the recordings dir")

// ValidateLocal accepts only relative paths that stay under the recordings
// dir. Remote callers are limited to these; absolute and file:// URIs remain
// available to the local CLI.
func ValidateLocal(uri string) error {
	if strings.Contains(uri, "://") || !filepath.IsLocal(uri) {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, uri)
	}
	return nil
}

// FS maps URIs onto a directory. Absolute paths and file:// URIs are used as-is;
// relative paths are resolved under root.
type FS struct {
	root string
}

func NewFS(root string) *FS {
	return &FS{root: root}
}

// Resolve turns a URI into a filesystem path.
func (f *FS) Resolve(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty recording uri")
	}
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parse uri %q: %w", uri, err)
		}
		return filepath.Clean(u.Path), nil
	}
	if filepath.IsAbs(uri) {
		return filepath.Clean(uri), nil
	}
	clean := filepath.Clean(uri)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("recording uri %q escapes the recordings dir", uri)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FS) Exists(_ context.Context, uri string) (bool, error) {
	path, err := f.Resolve(uri)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

func (f *FS) Size(_ context.Context, uri string) (int64, error) {
	path, err := f.Resolve(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotExist, uri)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// ReadRange returns up to length bytes starting at offset. The final range of
// a file may be shorter than length.
func (f *FS) ReadRange(_ context.Context, uri string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	path, err := f.Resolve(uri)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}

func (f *FS) ReadAll(_ context.Context, uri string) ([]byte, error) {
	path, err := f.Resolve(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the file. Already-missing files are not an error.
func (f *FS) Delete(_ context.Context, uri string) error {
	path, err := f.Resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
