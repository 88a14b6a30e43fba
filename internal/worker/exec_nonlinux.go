//go:build !linux

package worker

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
