//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquirePidFileFresh(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cryorun.pid")
	if err := acquirePidFile(p); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pidfile content %q", data)
	}
	if err := removePidFile(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

func TestAcquirePidFileRefusesLivePid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cryorun.pid")
	// Our own PID is certainly alive.
	if err := writePidFile(p, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := acquirePidFile(p); err == nil {
		t.Fatal("expected refusal for live pid")
	}
}

func TestAcquirePidFileReplacesStale(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cryorun.pid")
	// Above pid_max, so never allocated.
	if err := writePidFile(p, 1<<30); err != nil {
		t.Fatal(err)
	}
	if err := acquirePidFile(p); err != nil {
		t.Fatalf("expected stale pidfile to be replaced: %v", err)
	}
}
