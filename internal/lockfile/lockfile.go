// Package lockfile keeps a single RemindPipe scheduler per state directory.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the holding process exits for any reason.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "remindpipe.lock"

// Info is what the holder writes into the lock file.
type Info struct {
	PID     int
	Started time.Time
}

func (i Info) String() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", i.PID, i.Started.UTC().Format(time.RFC3339))
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire takes the exclusive lock on stateDir, creating the directory if
// needed. It fails immediately with a *LockError if another process holds it.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: attempting", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know whether we hold the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if holder, ok := readInfo(lockPath); ok {
			lockErr.Holder = &holder
			lockErr.HolderRunning = isProcessRunning(holder.PID)
		}
		slog.Error("lockfile.Acquire: another RemindPipe instance holds the lock", "lock_path", lockPath, "holder", lockErr.holderDescription())
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns what this process wrote into the lock file.
func (l *Lock) Info() Info { return l.info }

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath      string
	Holder        *Info
	HolderRunning bool
	Cause         error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another RemindPipe instance is already scheduling from this state directory\n\nLock file: %s", e.LockPath)
	msg += "\nHolder: " + e.holderDescription()
	msg += "\n\nOnly one scheduler may run per state directory. If no other instance is running,\n" +
		"remove the lock file with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func (e *LockError) holderDescription() string {
	if e.Holder == nil {
		return "unknown"
	}
	state := "running"
	if !e.HolderRunning {
		state = "not running, stale lock"
	}
	if e.Holder.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", e.Holder.PID, state)
	}
	return fmt.Sprintf("PID %d since %s (%s)", e.Holder.PID, e.Holder.Started.Format(time.RFC3339), state)
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// readInfo parses a lock file. ok is false when no PID could be read.
func readInfo(lockPath string) (Info, bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}, false
	}
	return parseInfo(string(data))
}

func parseInfo(content string) (Info, bool) {
	var info Info
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = t
			}
		}
	}
	return info, info.PID > 0
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
