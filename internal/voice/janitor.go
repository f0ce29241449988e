package voice

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/logging"
)

// SweepTempDir removes leftover audio (.wav and half-written .tmp files)
// older than retention. Turns release their own files; this only catches
// what a crash or kill left behind.
func SweepTempDir(dir string, retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".wav") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			logging.Debugw("janitor: remove failed", "path", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// StartTempJanitor sweeps dir every interval until ctx is cancelled. Caller
// must call wg.Add(1) before calling this function; the goroutine calls
// wg.Done() on exit.
func StartTempJanitor(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := SweepTempDir(dir, retention, now)
				if err != nil {
					logging.Warnw("janitor: sweep failed", "dir", dir, "err", err)
					continue
				}
				if n > 0 {
					logging.Infow("janitor: removed orphaned audio", "dir", dir, "count", n)
				}
			}
		}
	}()
}
