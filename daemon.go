//go:build !windows

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var errDaemonRunning = errors.New("daemon is already running")

// pidFilePath returns the path to the PID file of "serve --daemon".
func pidFilePath() string {
	return filepath.Join(getConfigDir(), "serve.pid")
}

// logFilePath returns the path the daemon logs to.
func logFilePath() string {
	return filepath.Join(getConfigDir(), "serve.log")
}

func writePIDFile(pid int) error {
	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// removePIDFile removes the PID file, ignoring errors.
func removePIDFile() {
	os.Remove(pidFilePath())
}

// isProcessAlive sends signal 0 to test for process existence.
func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// daemonize re-executes "serve" detached from the terminal with
// --daemon-child, logging to logFilePath.
func daemonize(out io.Writer, serveArgs []string) error {
	if pid, err := readPIDFile(); err == nil {
		if isProcessAlive(pid) {
			return fmt.Errorf("%w (PID %d), use 'serve stop' first", errDaemonRunning, pid)
		}
		removePIDFile()
	}

	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return err
	}
	logPath := logFilePath()
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	args := append([]string{"serve", "--daemon-child"}, serveArgs...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	if err := writePIDFile(cmd.Process.Pid); err != nil {
		fmt.Fprintf(out, "Warning: Failed to write PID file: %v\n", err)
	}
	fmt.Fprintf(out, "Daemon started (PID %d).\n", cmd.Process.Pid)
	fmt.Fprintf(out, "Log file: %s\n", logPath)
	fmt.Fprintf(out, "PID file: %s\n", pidFilePath())
	fmt.Fprintln(out, "Use 'serve status' to check status, 'serve stop' to stop.")
	return nil
}

// daemonStop sends SIGTERM to the daemon and escalates to SIGKILL after
// five seconds.
func daemonStop(out io.Writer) error {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(out, "No daemon is running (PID file not found).")
		return nil
	}
	if !isProcessAlive(pid) {
		fmt.Fprintf(out, "Daemon (PID %d) is not running. Removing stale PID file.\n", pid)
		removePIDFile()
		return nil
	}

	fmt.Fprintf(out, "Stopping daemon (PID %d)...\n", pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped.")
			removePIDFile()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintln(out, "Daemon did not stop gracefully. Sending SIGKILL...")
	_ = syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(500 * time.Millisecond)
	removePIDFile()
	if isProcessAlive(pid) {
		return fmt.Errorf("failed to kill daemon (PID %d)", pid)
	}
	fmt.Fprintln(out, "Daemon killed.")
	return nil
}

func daemonStatus(out io.Writer) {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(out, "Status: Not running (no PID file).")
		return
	}
	if isProcessAlive(pid) {
		fmt.Fprintf(out, "Status: Running (PID %d)\n", pid)
		fmt.Fprintf(out, "PID file: %s\n", pidFilePath())
		fmt.Fprintf(out, "Log file: %s\n", logFilePath())
		return
	}
	fmt.Fprintf(out, "Status: Not running (stale PID %d)\n", pid)
	removePIDFile()
}
