// Package nsswitch implements the Namespace-Switching Executor: running a
// closure with the calling OS thread temporarily joined to a target mount
// namespace, with guaranteed restoration of the original namespace.
//
// Grounded in the transient-namespace pattern of entering a namespace with
// unix.Unshare/unix.Setns from a locked OS thread.
package nsswitch

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/watchtower-sec/watchtower/internal/seclog"
)

const selfMountNS = "/proc/thread-self/ns/mnt"

// Executor runs closures inside arbitrary mount namespaces on one
// dedicated OS thread. It is not safe for concurrent use; callers must
// serialize externally (the Consumer, which owns one Executor, already
// runs single-threaded).
type Executor struct {
	mu       sync.Mutex
	detached bool
}

// New returns an Executor that has not yet detached from shared-filesystem
// coupling. Detach must run on the goroutine that will own this Executor
// before the first RunInNamespace call.
func New() *Executor {
	return &Executor{}
}

// Detach locks the calling goroutine to its OS thread and unshares
// CLONE_FS, so that subsequent mount-namespace switches on this thread are
// invisible to the rest of the process. This must run on the goroutine
// that will call RunInNamespace, and only once.
func (e *Executor) Detach() error {
	runtime.LockOSThread()
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		runtime.UnlockOSThread()
		return errors.Wrap(err, "unshare CLONE_FS")
	}
	e.detached = true
	return nil
}

// MountNSPath returns the canonical path referring to pid's mount
// namespace, suitable as target for RunInNamespace.
func MountNSPath(pid uint32) string {
	return fmt.Sprintf("/proc/%d/ns/mnt", pid)
}

// RunInNamespace joins targetNS (a /proc/<pid>/ns/mnt path), runs f, then
// restores the thread's original mount namespace before returning, on
// every exit path including a panic inside f. If restoration fails, that
// error is returned even when f succeeded: a thread stuck in the wrong
// namespace is unsafe to keep using.
func (e *Executor) RunInNamespace(targetNS string, f func() error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.detached {
		return errors.New("executor has not detached from shared filesystem state")
	}

	selfResolved, err := os.Readlink(selfMountNS)
	if err != nil {
		return errors.Wrap(err, "reading current mount namespace")
	}
	targetResolved, err := os.Readlink(targetNS)
	if err == nil && targetResolved == selfResolved {
		// already in the target namespace: no-op per contract.
		return f()
	}

	origFile, err := os.Open(selfMountNS)
	if err != nil {
		return errors.Wrap(err, "opening current mount namespace")
	}
	defer origFile.Close()

	targetFile, err := os.Open(targetNS)
	if err != nil {
		return errors.Wrapf(err, "opening target mount namespace %s", targetNS)
	}
	defer targetFile.Close()

	if err := unix.Setns(int(targetFile.Fd()), unix.CLONE_NEWNS); err != nil {
		return errors.Wrapf(err, "setns into %s", targetNS)
	}

	defer func() {
		restoreErr := unix.Setns(int(origFile.Fd()), unix.CLONE_NEWNS)
		if p := recover(); p != nil {
			if restoreErr != nil {
				seclog.Errorf("failed to restore mount namespace after panic, thread is unsafe to reuse: %v", restoreErr)
			}
			panic(p)
		}
		if restoreErr != nil {
			// the thread is left in an unknown namespace: fatal to its caller.
			seclog.Errorf("failed to restore mount namespace, thread is unsafe to reuse: %v", restoreErr)
			err = errors.Wrap(restoreErr, "restoring original mount namespace")
		}
	}()

	return f()
}
