// Package pidfile creates the exclusive-locked PID file required at
// process startup and removes it on orderly exit. Each instance also
// gets a generated run id so overlapping restarts are distinguishable
// in shared log aggregation.
package pidfile

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// File represents a created, locked PID file. Close removes it.
type File struct {
	path      string
	RunID     uuid.UUID
	file      *os.File
}

// Create opens path exclusively (O_EXCL) and takes an exclusive,
// non-blocking flock on it, writing the current pid and a freshly
// generated run id. The O_EXCL open fails whenever the file already
// exists, so an operator investigates rather than having it silently
// overwritten. That includes a file left behind by an instance that
// died without removing it (for example after `kill -9`): it blocks
// every later Create until it is removed by hand, even though the
// kernel has already released its flock.
func Create(path string) (*File, error) {
	runID := uuid.New()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(err, "pid file %s already exists; is another instance running?", path)
		}
		return nil, errors.Wrapf(err, "creating pid file %s", path)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "locking pid file %s", path)
	}

	if _, err := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), runID); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "writing pid file %s", path)
	}

	return &File{path: path, RunID: runID, file: f}, nil
}

// Close closes and removes the PID file. It is the last step of
// shutdown, run after the mapper, registry, decoder, upstream client,
// and broker client have all been freed.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	if err := f.file.Close(); err != nil {
		return errors.Wrapf(err, "closing pid file %s", f.path)
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing pid file %s", f.path)
	}
	return nil
}
