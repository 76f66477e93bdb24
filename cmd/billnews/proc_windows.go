//go:build windows

package main

import "os/exec"

func configureDetached(cmd *exec.Cmd) {}
