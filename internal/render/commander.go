// Package render drives the external wallpaper render process.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

const (
	DefaultExec32 = "wallpaper32.exe"
	DefaultExec64 = "wallpaper64.exe"
)

// Commander invokes the render executable with its control verbs.
type Commander struct {
	// Dir is the directory containing the render executables.
	Dir      string
	Use64Bit bool
	// Executable overrides the 32/64-bit choice when set (a bare name is
	// looked up in Dir, then in PATH).
	Executable string
	Exec32     string
	Exec64     string
	PauseArgs  []string
	ResumeArgs []string
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

// NewCommander creates a commander with the default executables and verbs.
func NewCommander(dir string, use64Bit bool) *Commander {
	return &Commander{
		Dir:        dir,
		Use64Bit:   use64Bit,
		Exec32:     DefaultExec32,
		Exec64:     DefaultExec64,
		PauseArgs:  []string{"-control", "pause"},
		ResumeArgs: []string{"-control", "play"},
		WaitDelay:  time.Second,
	}
}

// Path returns the executable the commander runs.
func (c *Commander) Path() string {
	name := c.Executable
	if name == "" {
		name = c.Exec32
		if c.Use64Bit {
			name = c.Exec64
		}
	}
	if filepath.IsAbs(name) || c.Dir == "" {
		return name
	}
	return filepath.Join(c.Dir, name)
}

// Args returns the arguments for action.
func (c *Commander) Args(action controller.Action) ([]string, error) {
	switch action {
	case controller.Pause:
		return c.PauseArgs, nil
	case controller.Resume:
		return c.ResumeArgs, nil
	}
	return nil, fmt.Errorf("unsupported action %s", action)
}

// Run executes the render process for action and waits for it to exit. The
// process is killed when ctx ends.
func (c *Commander) Run(ctx context.Context, action controller.Action) error {
	log := logger.WithComponent("render")

	args, err := c.Args(action)
	if err != nil {
		return err
	}
	path := c.Path()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = c.WaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Info().
		Str("path", path).
		Strs("args", args).
		Msg("Executing render command")

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", filepath.Base(path), strings.Join(args, " "), ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return fmt.Errorf("%s exited with code %d: %s", filepath.Base(path), exitErr.ExitCode(), msg)
			}
			return fmt.Errorf("%s exited with code %d", filepath.Base(path), exitErr.ExitCode())
		}
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	return nil
}

var _ controller.Commander = (*Commander)(nil)
