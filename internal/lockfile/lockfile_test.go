package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, LockFileName)
	if lock.Path() != lockPath {
		t.Errorf("Path = %s, want %s", lock.Path(), lockPath)
	}
	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info, ok := parseInfo(string(content))
	if !ok || info.PID != os.Getpid() {
		t.Errorf("Lock file content %q does not name this process", content)
	}
	if info.Started.IsZero() {
		t.Errorf("Lock file content %q has no start time", content)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(tempDir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder == nil || lockErr.Holder.PID != os.Getpid() || !lockErr.HolderRunning {
		t.Errorf("holder not reported: %+v", lockErr.Holder)
	}
	errMsg := err.Error()
	if !strings.Contains(errMsg, "another RemindPipe instance") {
		t.Errorf("Error message should mention another instance running: %s", errMsg)
	}
	if !strings.Contains(errMsg, tempDir) {
		t.Errorf("Error message should contain the lock path: %s", errMsg)
	}

	// The failed attempt must not clobber the holder's info.
	content, _ := os.ReadFile(lock1.Path())
	if info, ok := parseInfo(string(content)); !ok || info.PID != os.Getpid() {
		t.Errorf("holder info lost after conflict: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := filepath.Join(tempDir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}
}

func TestLockReacquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	lock1.Release()

	lock2, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestStaleLockFileIsTakenOver(t *testing.T) {
	tempDir := t.TempDir()
	// A file left behind by a crashed process holds no flock.
	stale := Info{PID: 999999, Started: time.Now().Add(-time.Hour)}
	if err := os.WriteFile(filepath.Join(tempDir, LockFileName), []byte(stale.String()), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	lock, err := Acquire(tempDir)
	if err != nil {
		t.Fatalf("stale lock file should not block: %v", err)
	}
	defer lock.Release()
	if lock.Info().PID != os.Getpid() {
		t.Errorf("Info = %+v", lock.Info())
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		ok      bool
	}{
		{"valid pid", "pid=12345\n", 12345, true},
		{"pid with start", "pid=67890\nstarted=2024-03-01T12:00:00Z\n", 67890, true},
		{"no pid", "other=info", 0, false},
		{"empty content", "", 0, false},
		{"invalid pid", "pid=abc", 0, false},
		{"no equals", "pid12345", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseInfo(tt.content)
			if ok != tt.ok || info.PID != tt.pid {
				t.Errorf("parseInfo(%q) = %d, %v; want %d, %v", tt.content, info.PID, ok, tt.pid, tt.ok)
			}
		})
	}
}

func TestLockErrorMessage(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := &LockError{LockPath: "/state/remindpipe.lock", Holder: &Info{PID: 42, Started: started}}
	msg := err.Error()
	if !strings.Contains(msg, "PID 42 since 2024-03-01T12:00:00Z (not running, stale lock)") {
		t.Errorf("unexpected message: %s", msg)
	}
	if !strings.Contains((&LockError{LockPath: "x"}).Error(), "Holder: unknown") {
		t.Error("missing holder should be reported as unknown")
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
	if isProcessRunning(999999) {
		t.Logf("High PID detected as running (unexpected but not necessarily wrong)")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
