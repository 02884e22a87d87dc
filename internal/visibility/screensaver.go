package visibility

import (
	"fmt"
	"sync"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Screen saver D-Bus constants
const (
	screenSaverService   = "org.freedesktop.ScreenSaver"
	screenSaverPath      = "/org/freedesktop/ScreenSaver"
	screenSaverInterface = "org.freedesktop.ScreenSaver"
)

// ScreenSaverWatcher tracks org.freedesktop.ScreenSaver's active state on the
// session bus. While active the desktop is locked and nothing is visible.
type ScreenSaverWatcher struct {
	conn     *dbus.Conn
	mu       sync.RWMutex
	locked   bool
	changes  chan bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScreenSaverWatcher connects to the session bus and starts listening for
// ActiveChanged signals.
func NewScreenSaverWatcher() (*ScreenSaverWatcher, error) {
	log := logger.WithComponent("screensaver")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	w := &ScreenSaverWatcher{
		conn:     conn,
		changes:  make(chan bool, 1),
		stopChan: make(chan struct{}),
	}

	var active bool
	obj := conn.Object(screenSaverService, screenSaverPath)
	if err := obj.Call(screenSaverInterface+".GetActive", 0).Store(&active); err != nil {
		conn.Close()
		return nil, fmt.Errorf("screen saver service not available: %w", err)
	}
	w.locked = active

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(screenSaverInterface),
		dbus.WithMatchMember("ActiveChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add match for ActiveChanged: %w", err)
	}
	log.Debug().Bool("locked", active).Msg("Subscribed to ScreenSaver.ActiveChanged signal")

	go w.watchSignals()
	return w, nil
}

// Locked reports whether the screen saver is currently active.
func (w *ScreenSaverWatcher) Locked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.locked
}

// Changes delivers the new lock state after each change. Only the latest
// pending value is kept.
func (w *ScreenSaverWatcher) Changes() <-chan bool {
	return w.changes
}

// Close stops listening and closes the bus connection.
func (w *ScreenSaverWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	return w.conn.Close()
}

func (w *ScreenSaverWatcher) watchSignals() {
	log := logger.WithComponent("screensaver")
	signalChan := make(chan *dbus.Signal, 10)
	w.conn.Signal(signalChan)

	for {
		select {
		case <-w.stopChan:
			w.conn.RemoveSignal(signalChan)
			return
		case sig, ok := <-signalChan:
			if !ok {
				return
			}
			if sig == nil || sig.Name != screenSaverInterface+".ActiveChanged" || len(sig.Body) == 0 {
				continue
			}
			active, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			log.Debug().Bool("locked", active).Msg("Screen saver state changed")
			w.set(active)
		}
	}
}

func (w *ScreenSaverWatcher) set(active bool) {
	w.mu.Lock()
	changed := w.locked != active
	w.locked = active
	w.mu.Unlock()
	if !changed {
		return
	}

	select {
	case <-w.changes:
	default:
	}
	select {
	case w.changes <- active:
	default:
	}
}

var _ LockWatcher = (*ScreenSaverWatcher)(nil)
