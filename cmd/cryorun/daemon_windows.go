//go:build windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// configureDaemonAttrs sets Windows-specific daemon attributes
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000, // CREATE_NO_WINDOW
	}
}

// pidAlive reports whether a process with the given PID still exists.
func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
