package voice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-voice-companion/internal/logging"
	"github.com/google/uuid"
)

// SaveFileAtomic writes data to path atomically by writing to a tmp file in
// the same directory, fsyncing, closing, and renaming into place.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// TempFile is a transient audio file owned by exactly one turn. Release
// deletes it at most once no matter how many paths reach it.
type TempFile struct {
	Path string

	once     sync.Once
	released atomic.Bool
	remove   func(string) error
	err      error
}

// NewTempFile wraps an existing path. remove defaults to os.Remove.
func NewTempFile(path string, remove func(string) error) *TempFile {
	if remove == nil {
		remove = os.Remove
	}
	return &TempFile{Path: path, remove: remove}
}

// WriteTempFile saves data under dir with a unique name and returns the
// handle that owns it.
func WriteTempFile(dir, prefix string, data []byte, remove func(string) error) (*TempFile, error) {
	name := fmt.Sprintf("%s_%s_%s.wav", prefix, time.Now().UTC().Format("20060102T150405.000Z"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := SaveFileAtomic(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write temp audio %s: %w", path, err)
	}
	return NewTempFile(path, remove), nil
}

// Release removes the file. Subsequent calls are no-ops returning the
// first call's error. A file already gone is not an error.
func (f *TempFile) Release() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		f.released.Store(true)
		if err := f.remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.err = err
			logging.Warnw("failed to remove temp audio", "path", f.Path, "err", err)
			return
		}
		logging.Debugw("removed temp audio", "path", f.Path)
	})
	return f.err
}

func (f *TempFile) Released() bool { return f != nil && f.released.Load() }
