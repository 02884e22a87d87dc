package controller

import (
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
	"github.com/rs/zerolog"
)

// EventKind names a reported controller event.
type EventKind string

const (
	EventTransition      EventKind = "transition"
	EventDispatched      EventKind = "dispatched"
	EventDispatchFailed  EventKind = "dispatch_failed"
	EventStartupComplete EventKind = "startup_complete"
	EventShutdown        EventKind = "shutdown"
)

// Event is a structured notification emitted by the controller. Fields that
// do not apply to a kind are left empty.
type Event struct {
	Kind    EventKind            `json:"kind"`
	Region  visibility.RegionKey `json:"region,omitempty"`
	Percent float64              `json:"percent"`
	From    string               `json:"from,omitempty"`
	State   string               `json:"state,omitempty"`
	Action  string               `json:"action,omitempty"`
	Error   string               `json:"error,omitempty"`
	At      time.Time            `json:"at"`
}

// Reporter consumes controller events. Report is called on the control loop
// and must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

// Report calls f.
func (f ReporterFunc) Report(e Event) {
	f(e)
}

// MultiReporter fans an event out to several reporters in order.
type MultiReporter []Reporter

// Report forwards e to every reporter.
func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// LogReporter writes events to the component logger.
type LogReporter struct {
	log *zerolog.Logger
}

// NewLogReporter creates a reporter logging under the "controller" component.
func NewLogReporter() *LogReporter {
	return &LogReporter{log: logger.WithComponent("controller")}
}

// Report logs e at a level matching its kind.
func (l *LogReporter) Report(e Event) {
	switch e.Kind {
	case EventTransition:
		l.log.Info().
			Str("region", string(e.Region)).
			Float64("percent", e.Percent).
			Str("from", e.From).
			Str("to", e.State).
			Msg("Region transitioned")
	case EventDispatched:
		l.log.Info().
			Str("action", e.Action).
			Msg("Render process command dispatched")
	case EventDispatchFailed:
		l.log.Warn().
			Str("action", e.Action).
			Str("error", e.Error).
			Msg("Render process command failed, will retry")
	case EventStartupComplete:
		l.log.Info().
			Str("action", e.Action).
			Msg("Startup evaluation complete")
	case EventShutdown:
		ev := l.log.Info()
		if e.Error != "" {
			ev = l.log.Error().Str("error", e.Error)
		}
		ev.Str("action", e.Action).Msg("Controller stopped, render process resumed")
	default:
		l.log.Debug().Str("kind", string(e.Kind)).Msg("Controller event")
	}
}
