package process

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// staleGrace is how long a leftover worker gets to exit after SIGTERM.
const staleGrace = 3 * time.Second

// WritePIDFile records pid at path. An empty path is a no-op.
func WritePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

// StalePID reports the pid of a still-alive worker left behind by a previous
// host run, as recorded in path. It returns 0 when none is found.
func StalePID(path string) int {
	if path == "" {
		return 0
	}
	pid, err := ReadPIDFile(path)
	if err != nil || !processAlive(pid) {
		return 0
	}
	return pid
}

// ReclaimStale stops a worker left running by a previous host run, as
// recorded in path, so at most one worker owns the port. It returns the pid
// it stopped, or 0 when the pidfile named no live process.
func ReclaimStale(path string, log *slog.Logger) int {
	pid := StalePID(path)
	if pid == 0 {
		return 0
	}
	if log == nil {
		log = slog.Default()
	}
	log.Warn("stopping leftover worker from pid file", "pid", pid, "pidfile", path)
	if err := terminatePID(pid); err != nil {
		log.Debug("terminate leftover worker failed", "pid", pid, "error", err)
	}
	deadline := time.Now().Add(staleGrace)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(pid) {
		log.Warn("leftover worker ignored SIGTERM, killing", "pid", pid)
		_ = killPID(pid)
	}
	RemovePIDFile(path)
	return pid
}
