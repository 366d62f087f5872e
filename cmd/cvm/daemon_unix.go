//go:build !windows

package main

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the child in its own session so it survives terminal close.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// processAlive reports whether pid exists, via the null signal.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func terminateProcess(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
