//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDetached puts the child in its own session so it outlives the watcher.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
