package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another process already runs a daemon for
// the session. A second daemon would open a second socket connection and
// duplicate every inbound event, so the lock enforces the one-connection
// invariant at the process level.
type LockHeldError struct {
	Session string
	PID     int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session %q already running (pid %d)", e.Session, e.PID)
}

// Lock is an acquired exclusive session lock.
type Lock struct {
	file    *os.File
	path    string
	session string
}

// AcquireLock takes an exclusive flock on the session's LOCK file.
// Returns LockHeldError if another process holds it.
func AcquireLock(name string) (*Lock, error) {
	if err := EnsureDir(name); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := LockPath(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		pid := parseLockPID(string(data))
		_ = f.Close()
		return nil, &LockHeldError{Session: name, PID: pid}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path, session: name}, nil
}

// Release releases the lock. Safe to call on a nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale LOCK file survives.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseLockPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
