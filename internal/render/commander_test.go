package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
)

// writeScript installs a shell script under name in dir.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func TestCommander_Path(t *testing.T) {
	c := NewCommander("/opt/we", false)
	assert.Equal(t, "/opt/we/wallpaper32.exe", c.Path())

	c.Use64Bit = true
	assert.Equal(t, "/opt/we/wallpaper64.exe", c.Path())

	c.Executable = "/usr/bin/wallpaperctl"
	assert.Equal(t, "/usr/bin/wallpaperctl", c.Path())

	c = NewCommander("", true)
	assert.Equal(t, "wallpaper64.exe", c.Path())
}

func TestCommander_RunPassesControlVerb(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "args.txt")
	writeScript(t, dir, DefaultExec64, `echo "$@" >> "`+out+`"`)

	c := NewCommander(dir, true)
	require.NoError(t, c.Run(context.Background(), controller.Pause))
	require.NoError(t, c.Run(context.Background(), controller.Resume))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"-control pause", "-control play"}, strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestCommander_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, DefaultExec32, `echo "no wallpaper running" >&2; exit 3`)

	err := NewCommander(dir, false).Run(context.Background(), controller.Pause)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "no wallpaper running")
}

func TestCommander_MissingExecutable(t *testing.T) {
	err := NewCommander(t.TempDir(), true).Run(context.Background(), controller.Resume)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestCommander_TimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, DefaultExec64, `exec sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewCommander(dir, true).Run(ctx, controller.Pause)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommander_UnsupportedAction(t *testing.T) {
	_, err := NewCommander("", false).Args(controller.Action(7))
	assert.Error(t, err)
}
