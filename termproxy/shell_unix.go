//go:build !windows

package termproxy

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// defaultShell prefers bash, which enables bracketed paste like a Proxmox
// node console does.
func defaultShell() (string, []string) {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash", []string{"--norc", "--noprofile", "-i"}
	}
	return "/bin/sh", []string{"-i"}
}

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
}

// killProcessGroup hangs up the shell's session, then makes sure the shell
// itself is gone.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGHUP)
	time.Sleep(100 * time.Millisecond)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)
	_ = cmd.Process.Kill()
}
