package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/pelusa-v/roomsync/internal/logger"
)

var (
	ErrUploadFailure = errors.New("upload failed")
	ErrTooLarge      = errors.New("upload exceeds size limit")
	ErrEmpty         = errors.New("upload is empty")
)

// Error describes a failed upload. It matches ErrUploadFailure and the
// underlying cause with errors.Is.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %q: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrUploadFailure, e.Err}
}

// Store saves a blob and returns a URL it can be fetched from.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// DiskStore writes blobs under Dir and serves them below BaseURL.
type DiskStore struct {
	Dir      string
	BaseURL  string // e.g. http://host:3000/uploads
	MaxBytes int64
}

func NewDiskStore(dir, baseURL string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStore{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), MaxBytes: maxBytes}, nil
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// objectName keeps only a short alphanumeric extension from the client name.
func objectName(name string) string {
	id := strings.ToLower(ulid.Make().String())
	ext := filepath.Ext(name)
	if !extPattern.MatchString(ext) {
		return id
	}
	return id + strings.ToLower(ext)
}

func (s *DiskStore) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Name: name, Err: err}
	}
	object := objectName(name)
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return "", &Error{Name: name, Err: err}
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.MaxBytes > 0 {
		src = io.LimitReader(r, s.MaxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		return "", &Error{Name: name, Err: err}
	case n == 0:
		return "", &Error{Name: name, Err: ErrEmpty}
	case s.MaxBytes > 0 && n > s.MaxBytes:
		return "", &Error{Name: name, Err: ErrTooLarge}
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, object)); err != nil {
		return "", &Error{Name: name, Err: err}
	}
	logger.Info("upload_stored", "object", object, "bytes", n)
	return s.BaseURL + "/" + object, nil
}
