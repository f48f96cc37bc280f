//go:build windows

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var errDaemonUnsupported = errors.New("daemon mode is not supported on Windows, run 'serve' as a Windows service instead")

func pidFilePath() string {
	return filepath.Join(getConfigDir(), "serve.pid")
}

func logFilePath() string {
	return filepath.Join(getConfigDir(), "serve.log")
}

func writePIDFile(pid int) error {
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

func removePIDFile() {
	os.Remove(pidFilePath())
}

func isProcessAlive(pid int) bool {
	return false
}

func daemonize(out io.Writer, serveArgs []string) error {
	return errDaemonUnsupported
}

func daemonStop(out io.Writer) error {
	return errDaemonUnsupported
}

func daemonStatus(out io.Writer) {
	fmt.Fprintln(out, errDaemonUnsupported)
}
