// Package instance keeps a single controller running per configuration file.
package instance

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

// ErrAlreadyRunning is returned by Acquire when a live controller holds the lock.
var ErrAlreadyRunning = errors.New("another instance with the same configuration is already running")

// Lock is a PID file owned by this process.
type Lock struct {
	path string
	pid  int
}

// PathFor returns the lock file for a config file, under $XDG_RUNTIME_DIR
// when set and the temp directory otherwise.
func PathFor(configPath string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	h := fnv.New32a()
	h.Write([]byte(abs))
	return filepath.Join(dir, "wallpaper-controller", fmt.Sprintf("%08x.pid", h.Sum32()))
}

// Acquire creates the PID file at path. A file left behind by a process that
// is gone, or whose PID now belongs to another program, is replaced.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	log := logger.WithComponent("instance")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", err)
			}
			log.Debug().Str("path", path).Int("pid", pid).Msg("Instance lock acquired")
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		owner, live := holder(ctx, path)
		if live {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner)
		}

		log.Info().Str("path", path).Int("stale_pid", owner).Msg("Removing stale instance lock")
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock file %s keeps reappearing", ErrAlreadyRunning, path)
}

// Release removes the PID file if this process still owns it.
func (l *Lock) Release() error {
	pid, err := readPID(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil || pid != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// holder returns the PID recorded in path and whether it is a live process
// running the same program as this one.
func holder(ctx context.Context, path string) (int, bool) {
	pid, err := readPID(path)
	if err != nil {
		return 0, false
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return pid, false
	}

	other, err := processName(ctx, int32(pid))
	if err != nil {
		// Cannot inspect it, so assume it is ours
		return pid, true
	}
	self, err := processName(ctx, int32(os.Getpid()))
	if err != nil {
		return pid, true
	}
	return pid, other == self
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID value: %d", pid)
	}
	return pid, nil
}
