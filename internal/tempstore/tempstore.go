// Package tempstore keeps uploaded images on disk for the duration of a
// single request.
//
// A Store owns one directory, created at startup. Each saved File is
// request scoped and must be released with Remove once the request is done.
package tempstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	fallbackName = "upload"
	// maxNameLen is NAME_MAX on the filesystems we deploy to.
	maxNameLen = 255
)

// Store writes uploads into a single process-wide directory.
type Store struct {
	dir string
}

// New creates dir if it does not exist yet and returns a Store rooted there.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("tempstore: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("tempstore: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("tempstore: create %q: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute directory uploads are written to.
func (s *Store) Dir() string {
	return s.dir
}

// File is an upload persisted by Save.
type File struct {
	Path string
	Name string
	// Size is the number of bytes written. It is capped at limit+1 when the
	// source was larger than the limit passed to Save.
	Size int64
}

// Save copies at most limit+1 bytes of src into the store under a name built
// from prefix and the sanitized client filename. Long names are shortened to
// fit maxNameLen; the extension is kept. A limit <= 0 disables the cap.
// On error nothing is left behind.
func (s *Store) Save(prefix, filename string, src io.Reader, limit int64) (*File, error) {
	name := SanitizeFilename(filename)
	if p := SanitizeFilename(prefix); prefix != "" && p != fallbackName {
		name = p + "-" + name
	}
	name = truncateName(name, maxNameLen)
	path := filepath.Join(s.dir, name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}

	reader := src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	size, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	return &File{Path: path, Name: name, Size: size}, nil
}

// Remove deletes the file. Removing an already deleted file is not an error,
// so callers can both remove early and defer a final Remove.
func (f *File) Remove() error {
	if f == nil {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SanitizeFilename turns an untrusted client filename into a single safe path
// segment. Non-ASCII letters are decomposed and dropped, path separators and
// whitespace become "_", every other character outside [A-Za-z0-9_.-] is
// removed and leading or trailing dots and underscores are trimmed. The result
// is never empty, never "." or "..", and never contains a separator.
func SanitizeFilename(filename string) string {
	decomposed := norm.NFKD.String(filename)

	var ascii strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		if r == '/' || r == '\\' {
			r = ' '
		}
		ascii.WriteRune(r)
	}

	joined := strings.Join(strings.Fields(ascii.String()), "_")

	var safe strings.Builder
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			safe.WriteRune(r)
		case r == '_', r == '.', r == '-':
			safe.WriteRune(r)
		}
	}

	name := strings.Trim(safe.String(), "._")
	if name == "" {
		return fallbackName
	}
	return name
}

// truncateName shortens the stem of an ASCII name so that the whole name is
// at most max bytes. The extension survives unless it alone is too long.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= max {
		return name[:max]
	}
	stem := strings.TrimRight(name[:max-len(ext)], "._")
	if stem == "" {
		return name[:max]
	}
	return stem + ext
}
