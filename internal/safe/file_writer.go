package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrAlreadyDone is returned when the safe file has already been closed
// or committed
var ErrAlreadyDone = errors.New("safe file was already committed or closed")

// FileWriter does an atomic write to the target file: contents go into a temporary file in the
// same directory which replaces the target on Commit.
type FileWriter struct {
	tmpFile       *os.File
	path          string
	commitOrClose sync.Once
}

// NewFileWriter takes path as an absolute path of the target file and creates a new FileWriter by
// attempting to create a tempfile next to it.
func NewFileWriter(path string) (*FileWriter, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return nil, err
	}

	return &FileWriter{path: path, tmpFile: tmpFile}, nil
}

// Write wraps the temporary file's Write.
func (fw *FileWriter) Write(p []byte) (n int, err error) {
	return fw.tmpFile.Write(p)
}

// Commit closes the temporary file and renames it to the target file name. Only the first call
// to Commit or Close has an effect, later calls return ErrAlreadyDone.
func (fw *FileWriter) Commit() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Sync(); err != nil {
			err = fmt.Errorf("syncing temp file: %w", err)
			return
		}

		if err = fw.tmpFile.Close(); err != nil {
			err = fmt.Errorf("closing temp file: %w", err)
			return
		}

		if err = os.Rename(fw.tmpFile.Name(), fw.path); err != nil {
			err = fmt.Errorf("renaming temp file: %w", err)
			return
		}

		if err = syncDir(filepath.Dir(fw.path)); err != nil {
			err = fmt.Errorf("syncing dir: %w", err)
			return
		}
	})

	return err
}

// Close closes and removes the temporary file if it exists. If the file was already committed,
// ErrAlreadyDone is returned and no changes are made to the filesystem.
func (fw *FileWriter) Close() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Close(); err != nil {
			return
		}
		if err = os.Remove(fw.tmpFile.Name()); err != nil && !os.IsNotExist(err) {
			return
		}
	})

	return err
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) (returnedErr error) {
	writer, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil && !errors.Is(err, ErrAlreadyDone) && returnedErr == nil {
			returnedErr = err
		}
	}()

	if _, err := writer.Write(data); err != nil {
		return err
	}

	return writer.Commit()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
