package ports

import "io"

// FileSystem abstracts file system operations.
type FileSystem interface {
	// ReadFile reads the entire contents of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary.
	WriteFile(path string, data []byte) error

	// Open opens a file for random-access reading.
	Open(path string) (ReadSeekCloser, error)

	// Create creates or truncates a file for streaming writes.
	Create(path string) (io.WriteCloser, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string) error

	// Exists checks if a file or directory exists.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory.
	Remove(path string) error
}

// ReadSeekCloser is a seekable input that also supports ReadAt.
type ReadSeekCloser interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
}
