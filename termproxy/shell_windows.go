//go:build windows

package termproxy

import (
	"os/exec"
	"strconv"
	"time"
)

func defaultShell() (string, []string) {
	if _, err := exec.LookPath("powershell.exe"); err == nil {
		return "powershell.exe", []string{"-NoProfile", "-NoLogo"}
	}
	return "cmd.exe", nil
}

func setProcAttr(cmd *exec.Cmd) {}

// killProcessGroup kills the process tree with taskkill.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
	time.Sleep(100 * time.Millisecond)
	_ = cmd.Process.Kill()
}
