package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %q", lock.Path())
	}
	h := ReadHolder(lock.Path())
	if h.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", h.PID, os.Getpid())
	}
	if !h.Running {
		t.Error("own process should be reported running")
	}
	if h.StartedAt.IsZero() || time.Since(h.StartedAt) > time.Minute {
		t.Errorf("started = %v", h.StartedAt)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	// flock locks belong to the open file description, so a second open in the
	// same process conflicts as well.
	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected a conflict")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T: %v", err, err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d", lockErr.Holder.PID)
	}
	if ReadHolder(first.Path()).PID != os.Getpid() {
		t.Error("a failed Acquire must not clobber the holder information")
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		lock, err := Acquire(dir)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if err := lock.Release(); err != nil {
			t.Fatalf("Release %d: %v", i, err)
		}
	}
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lock")

	if h := ReadHolder(path); h.PID != 0 {
		t.Errorf("missing file holder = %+v", h)
	}

	content := "pid=999999999\nstarted=2026-01-02T03:04:05Z\nnoise\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	h := ReadHolder(path)
	if h.PID != 999999999 {
		t.Errorf("pid = %d", h.PID)
	}
	if h.Running {
		t.Error("pid 999999999 should not be running")
	}
	if !h.StartedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("started = %v", h.StartedAt)
	}
	if h.String() == "" {
		t.Error("empty String")
	}
}
