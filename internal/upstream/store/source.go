package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BinaryFileSource supplies file content for multipart parameters. Open may
// be called more than once, e.g. when an upload falls back to another endpoint.
type BinaryFileSource interface {
	Name() string
	// Size returns the content length, or -1 when unknown.
	Size() int64
	Open(ctx context.Context) (io.ReadCloser, error)
}

// PathSource reads a file from the local filesystem.
type PathSource struct {
	path string
	size int64
}

func NewPathSource(path string) (*PathSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("store: %s is a directory", path)
	}
	return &PathSource{path: path, size: info.Size()}, nil
}

func (s *PathSource) Name() string { return filepath.Base(s.path) }
func (s *PathSource) Size() int64  { return s.size }

func (s *PathSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(s.path)
}

// ReaderSource serves content handed over by a caller, such as a file part
// received from an interactive upload.
type ReaderSource struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

func NewReaderSource(name string, size int64, open func() (io.ReadCloser, error)) *ReaderSource {
	return &ReaderSource{name: name, size: size, open: open}
}

func NewBytesSource(name string, data []byte) *ReaderSource {
	return NewReaderSource(name, int64(len(data)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (s *ReaderSource) Name() string { return s.name }
func (s *ReaderSource) Size() int64  { return s.size }

func (s *ReaderSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.open == nil {
		return nil, errors.New("store: reader source has no content")
	}
	return s.open()
}
