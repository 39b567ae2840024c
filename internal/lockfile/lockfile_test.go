package lockfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mivox/mivox/internal/assert"
)

// TestAcquireRelease asserts a lock can be acquired, released and
// re-acquired.
func TestAcquireRelease(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "test.lock")
	ctx := context.Background()

	lf, err := Acquire(ctx, fpath)
	assert.NilErr(t, err)
	assert.NilErr(t, lf.Close())

	lf, err = Acquire(ctx, fpath)
	assert.NilErr(t, err)
	assert.NilErr(t, lf.Close())
}

// TestSecondInstanceBlocks asserts a second acquisition of the same lock
// file blocks until the first is released or its context is canceled.
func TestSecondInstanceBlocks(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "test.lock")
	ctx := context.Background()

	first, err := Acquire(ctx, fpath)
	assert.NilErr(t, err)

	clock := make(chan *LockFile)
	cerr := make(chan error)
	ctx2, cancel2 := context.WithCancel(ctx)
	go func() {
		lf, err := Acquire(ctx2, fpath)
		if err != nil {
			cerr <- err
		} else {
			clock <- lf
		}
	}()

	// Second acquisition does not complete while the first holds the
	// lock.
	assert.Chan2NotWritten(t, clock, cerr, 100*time.Millisecond)

	// Canceling the attempt errors it out.
	cancel2()
	err = assert.ChanWritten(t, cerr)
	assert.ErrorIs(t, err, context.Canceled)

	// A new attempt succeeds once the first lock is released.
	go func() {
		lf, err := Acquire(ctx, fpath)
		if err != nil {
			cerr <- err
		} else {
			clock <- lf
		}
	}()
	assert.NilErr(t, first.Close())
	second := assert.ChanWritten(t, clock)
	assert.NilErr(t, second.Close())
}
