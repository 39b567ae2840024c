// Package lockfile guards against concurrent daemon instances fighting
// over the same audio devices and log files.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is a held exclusive lock.
type LockFile struct {
	path string
	f    *lockedfile.File
}

// Path returns the file the lock is held on.
func (lf *LockFile) Path() string {
	return lf.path
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// identification is written to a freshly acquired lock file so a stale or
// contended lock can be traced to its holder. Write failures are ignored;
// the lock itself is what matters.
func identification() string {
	host, _ := os.Hostname()
	proc := ""
	if len(os.Args) > 0 {
		proc = os.Args[0]
	}
	return fmt.Sprintf("PID=%d\nHost=%q\nProcess=%q\nStarted=%s\n",
		os.Getpid(), host, proc, time.Now().Format(time.RFC3339))
}

// Acquire takes an exclusive advisory lock on filePath, blocking until the
// lock is acquired or the context is canceled.
func Acquire(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}

	// lockedfile.Create blocks with no cancellation hook, so it runs on
	// its own goroutine and the context races it.
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		f.WriteString(identification())
		return &LockFile{path: filePath, f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The abandoned goroutine may still (eventually) acquire the
		// lock; release it if it ever does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
