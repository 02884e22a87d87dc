package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

// ErrDispatchFailed wraps every failed render-process invocation.
var ErrDispatchFailed = errors.New("dispatch failed")

// Action is the command sent to the render process.
type Action int

const (
	Resume Action = iota
	Pause
)

func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case Pause:
		return "pause"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// MarshalText renders the action name in JSON.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name.
func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "resume":
		*a = Resume
	case "pause":
		*a = Pause
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Commander invokes the render process's pause/resume command.
type Commander interface {
	Run(ctx context.Context, action Action) error
}

// CommanderFunc adapts a function to Commander.
type CommanderFunc func(ctx context.Context, action Action) error

// Run calls f.
func (f CommanderFunc) Run(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// Dispatcher sends actions to the render process, skipping an action equal to
// the last one that succeeded. The render process is assumed to be playing
// when the dispatcher is created.
type Dispatcher struct {
	cmd     Commander
	timeout time.Duration

	mu     sync.Mutex
	last   Action
	lastAt time.Time
}

// NewDispatcher creates a dispatcher. timeout bounds each command; zero means
// only the caller's context applies.
func NewDispatcher(cmd Commander, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		cmd:     cmd,
		timeout: timeout,
		last:    Resume,
	}
}

// Last returns the last successfully dispatched action.
func (d *Dispatcher) Last() Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// LastAt returns when the last successful dispatch happened (zero if never).
func (d *Dispatcher) LastAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAt
}

// Dispatch runs action unless it repeats the last successful one. sent is true
// only when the command ran and succeeded. On failure the last action is left
// unchanged so the next Dispatch of the same action tries again.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) (sent bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if action == d.last {
		return false, nil
	}
	if err := d.run(ctx, action); err != nil {
		return false, err
	}
	return true, nil
}

// Force runs action regardless of the last dispatched one.
func (d *Dispatcher) Force(ctx context.Context, action Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, action)
}

// run must be called with d.mu held.
func (d *Dispatcher) run(ctx context.Context, action Action) error {
	log := logger.WithComponent("dispatcher")

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := d.cmd.Run(ctx, action); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDispatchFailed, action, err)
	}

	d.last = action
	d.lastAt = time.Now()
	log.Debug().
		Stringer("action", action).
		Dur("took", time.Since(start)).
		Msg("Render process command succeeded")
	return nil
}
