//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs sets Unix-specific daemon attributes
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session
	}
}

// pidAlive reports whether a process with the given PID still exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
