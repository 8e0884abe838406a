package storage

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-git/go-billy/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyFS wraps a filesystem and injects write faults into files it opens.
type faultyFS struct {
	billy.Filesystem
	failWrite error
	dropBytes int
}

func (f *faultyFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	file, err := f.Filesystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if flag&os.O_WRONLY == 0 && flag&os.O_RDWR == 0 {
		return file, nil
	}
	return &faultyFile{File: file, failWrite: f.failWrite, drop: f.dropBytes}, nil
}

type faultyFile struct {
	billy.File
	failWrite error
	drop      int
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.failWrite != nil {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, f.failWrite
	}
	if f.drop > 0 && len(p) > f.drop {
		// Silently lose the tail of the buffer
		_, err := f.File.Write(p[:len(p)-f.drop])
		f.drop = 0
		return len(p), err
	}
	return f.File.Write(p)
}
