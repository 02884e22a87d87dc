package render

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Running reports whether a process whose name matches name is alive
// (case-insensitive; a trailing ".exe" is optional on either side).
func Running(ctx context.Context, name string) (bool, error) {
	pids, err := FindByName(ctx, name)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

// FindByName returns the PIDs of processes matching name.
func FindByName(ctx context.Context, name string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	want := normalizeName(name)
	var found []int32
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue // exited while listing
		}
		if normalizeName(pname) == want {
			found = append(found, p.Pid)
		}
	}
	return found, nil
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}
