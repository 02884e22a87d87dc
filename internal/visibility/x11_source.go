package visibility

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xinerama"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

const (
	pollIdle       = 50 * time.Millisecond
	resyncInterval = 2 * time.Second
	publishBuffer  = 16

	// maxMeasureFailures consecutive failed measurements end the stream.
	maxMeasureFailures = 20
)

// LockWatcher reports whether the session is locked (screen saver active).
type LockWatcher interface {
	Locked() bool
	Changes() <-chan bool
}

// display is the part of the X server the source reads from.
type display interface {
	selectRootEvents() error
	monitors() ([]monitor, error)
	coveringWindows() ([]Rect, error)
	// pollEvent reports whether an event was queued and whether it can
	// change visibility.
	pollEvent() (pending, relevant bool)
	close()
}

// X11Source measures desktop visibility on an X11 display.
// Monitors come from Xinerama; covering windows from EWMH _NET_CLIENT_LIST_STACKING.
type X11Source struct {
	display display
	lock    LockWatcher
	resync  time.Duration

	mu         sync.Mutex
	subscribed bool
	err        error
	stopChan   chan struct{}
	closeOnce  sync.Once
}

// NewX11Source connects to the X server named by $DISPLAY.
func NewX11Source() (*X11Source, error) {
	d, err := newXDisplay()
	if err != nil {
		return nil, err
	}
	return newX11Source(d), nil
}

func newX11Source(d display) *X11Source {
	return &X11Source{
		display:  d,
		resync:   resyncInterval,
		stopChan: make(chan struct{}),
	}
}

// SetLockWatcher makes a locked session count as every monitor fully covered.
// Must be called before Subscribe.
func (s *X11Source) SetLockWatcher(w LockWatcher) {
	s.lock = w
}

// Close stops watching and closes the X11 connection
func (s *X11Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.display.close()
	})
	return nil
}

// Err returns why the subscription stream ended, or nil if it is still open
// or ended because it was stopped.
func (s *X11Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot measures every monitor now.
func (s *X11Source) Snapshot(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	monitors, err := s.display.monitors()
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{At: time.Now(), Monitors: make([]MonitorSnapshot, 0, len(monitors))}

	if s.lock != nil && s.lock.Locked() {
		for _, m := range monitors {
			batch.Monitors = append(batch.Monitors, MonitorSnapshot{ID: m.id, TotalArea: m.bounds.Area()})
		}
		return batch, nil
	}

	windows, err := s.display.coveringWindows()
	if err != nil {
		return Batch{}, err
	}
	for _, m := range monitors {
		batch.Monitors = append(batch.Monitors, Measure(m.id, m.bounds, windows))
	}
	return batch, nil
}

// Subscribe watches root-window structure and property changes and publishes a
// new Batch whenever any monitor's numbers change. The stream also closes when
// the display stops answering; Err then wraps ErrSourceUnavailable.
func (s *X11Source) Subscribe(ctx context.Context) (<-chan Batch, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, fmt.Errorf("already subscribed")
	}
	s.subscribed = true
	s.mu.Unlock()

	if err := s.display.selectRootEvents(); err != nil {
		return nil, fmt.Errorf("%w: failed to set event mask: %v", ErrSourceUnavailable, err)
	}

	out := make(chan Batch, publishBuffer)
	go s.watchLoop(ctx, out)
	return out, nil
}

// watchLoop polls X events, marks the desktop dirty on relevant ones and
// re-measures once the event queue is drained.
func (s *X11Source) watchLoop(ctx context.Context, out chan Batch) {
	log := logger.WithComponent("x11-source")
	defer close(out)

	resync := time.NewTicker(s.resync)
	defer resync.Stop()

	var lockChanges <-chan bool
	if s.lock != nil {
		lockChanges = s.lock.Changes()
	}

	var last Batch
	dirty := true
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case locked := <-lockChanges:
			log.Debug().Bool("locked", locked).Msg("Session lock changed")
			dirty = true
		case <-resync.C:
			dirty = true
		default:
		}

		if pending, relevant := s.display.pollEvent(); pending {
			if relevant {
				dirty = true
			}
			continue
		}

		if dirty {
			dirty = false
			batch, err := s.Snapshot(ctx)
			switch {
			case err == nil:
				failures = 0
				if !batch.Equal(last) {
					last = batch
					publish(out, batch)
				}
			case ctx.Err() != nil:
				return
			default:
				failures++
				dirty = true
				if failures >= maxMeasureFailures {
					s.mu.Lock()
					s.err = fmt.Errorf("%w: %d measurements failed in a row: %v", ErrSourceUnavailable, failures, err)
					s.mu.Unlock()
					log.Error().Err(err).Int("failures", failures).Msg("X display stopped answering, closing stream")
					return
				}
				log.Debug().Err(err).Msg("Failed to measure visibility, will retry")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(pollIdle):
		}
	}
}

// publish sends batch without blocking; when the buffer is full the oldest
// batch is dropped since every batch is a complete snapshot.
func publish(out chan Batch, batch Batch) {
	for {
		select {
		case out <- batch:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// xDisplay is a live connection to the X server.
type xDisplay struct {
	conn     *xgb.Conn
	root     xproto.Window
	screen   *xproto.ScreenInfo
	xinerama bool

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

func newXDisplay() (*xDisplay, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to X server: %v", ErrSourceUnavailable, err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	d := &xDisplay{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
		atoms:  make(map[string]xproto.Atom),
	}

	if err := xinerama.Init(conn); err == nil {
		d.xinerama = true
	} else {
		logger.WithComponent("x11-source").Debug().Err(err).Msg("Xinerama unavailable, using the root screen as monitor 1")
	}
	return d, nil
}

func (d *xDisplay) close() {
	d.conn.Close()
}

func (d *xDisplay) selectRootEvents() error {
	const eventMask = xproto.EventMaskSubstructureNotify | xproto.EventMaskPropertyChange
	return xproto.ChangeWindowAttributesChecked(
		d.conn,
		d.root,
		xproto.CwEventMask,
		[]uint32{eventMask},
	).Check()
}

func (d *xDisplay) pollEvent() (pending, relevant bool) {
	ev, err := d.conn.PollForEvent()
	if err != nil {
		logger.WithComponent("x11-source").Debug().Err(err).Msg("X11 event error")
		return true, false
	}
	if ev == nil {
		return false, false
	}
	return true, d.relevant(ev)
}

func (d *xDisplay) relevant(ev xgb.Event) bool {
	switch e := ev.(type) {
	case xproto.ConfigureNotifyEvent, xproto.MapNotifyEvent, xproto.UnmapNotifyEvent, xproto.DestroyNotifyEvent:
		return true
	case xproto.PropertyNotifyEvent:
		switch e.Atom {
		case d.atom("_NET_CURRENT_DESKTOP"), d.atom("_NET_CLIENT_LIST_STACKING"), d.atom("_NET_CLIENT_LIST"):
			return true
		}
	}
	return false
}

type monitor struct {
	id     int
	bounds Rect
}

// monitors lists physical monitors; IDs are 1-based in Xinerama order.
func (d *xDisplay) monitors() ([]monitor, error) {
	if d.xinerama {
		reply, err := xinerama.QueryScreens(d.conn).Reply()
		if err == nil && len(reply.ScreenInfo) > 0 {
			out := make([]monitor, 0, len(reply.ScreenInfo))
			for i, info := range reply.ScreenInfo {
				out = append(out, monitor{
					id: i + 1,
					bounds: Rect{
						X:      int(info.XOrg),
						Y:      int(info.YOrg),
						Width:  int(info.Width),
						Height: int(info.Height),
					},
				})
			}
			return out, nil
		}
		if err != nil {
			logger.WithComponent("x11-source").Debug().Err(err).Msg("Xinerama query failed")
		}
	}

	return []monitor{{
		id:     1,
		bounds: Rect{Width: int(d.screen.WidthInPixels), Height: int(d.screen.HeightInPixels)},
	}}, nil
}

// coveringWindows returns the root-relative rectangles of every client window
// that hides part of the desktop on the current virtual desktop.
func (d *xDisplay) coveringWindows() ([]Rect, error) {
	log := logger.WithComponent("x11-source")

	clients, err := d.cardinals(d.root, d.atom("_NET_CLIENT_LIST_STACKING"))
	if err != nil || len(clients) == 0 {
		clients, err = d.cardinals(d.root, d.atom("_NET_CLIENT_LIST"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client list: %w", err)
	}

	current := d.currentDesktop()
	rects := make([]Rect, 0, len(clients))
	for _, id := range clients {
		win := xproto.Window(id)
		if !d.covers(win, current) {
			continue
		}
		r, err := d.rootGeometry(win)
		if err != nil {
			log.Debug().Uint32("winID", id).Err(err).Msg("Skipping window without geometry")
			continue
		}
		rects = append(rects, r)
	}
	return rects, nil
}

// covers reports whether win is mapped, not hidden, on the current desktop and
// not the desktop background itself.
func (d *xDisplay) covers(win xproto.Window, currentDesktop uint32) bool {
	attrs, err := xproto.GetWindowAttributes(d.conn, win).Reply()
	if err != nil || attrs.MapState != xproto.MapStateViewable {
		return false
	}

	if types, err := d.cardinals(win, d.atom("_NET_WM_WINDOW_TYPE")); err == nil {
		if slices.Contains(types, uint32(d.atom("_NET_WM_WINDOW_TYPE_DESKTOP"))) {
			return false
		}
	}

	if states, err := d.cardinals(win, d.atom("_NET_WM_STATE")); err == nil {
		if slices.Contains(states, uint32(d.atom("_NET_WM_STATE_HIDDEN"))) {
			return false
		}
	}

	if desktop, err := d.cardinals(win, d.atom("_NET_WM_DESKTOP")); err == nil && len(desktop) > 0 {
		// 0xFFFFFFFF means the window is on all desktops (sticky)
		if desktop[0] != 0xFFFFFFFF && desktop[0] != currentDesktop {
			return false
		}
	}
	return true
}

func (d *xDisplay) rootGeometry(win xproto.Window) (Rect, error) {
	geom, err := xproto.GetGeometry(d.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Rect{}, err
	}
	pos, err := xproto.TranslateCoordinates(d.conn, win, d.root, 0, 0).Reply()
	if err != nil {
		return Rect{}, err
	}
	return Rect{
		X:      int(pos.DstX),
		Y:      int(pos.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}, nil
}

func (d *xDisplay) currentDesktop() uint32 {
	values, err := d.cardinals(d.root, d.atom("_NET_CURRENT_DESKTOP"))
	if err != nil || len(values) == 0 {
		return 0
	}
	return values[0]
}

// atom gets an atom ID by name, caching the result
func (d *xDisplay) atom(name string) xproto.Atom {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.atoms[name]; ok {
		return a
	}
	reply, err := xproto.InternAtom(d.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return xproto.AtomNone
	}
	d.atoms[name] = reply.Atom
	return reply.Atom
}

// cardinals reads a 32-bit list property (window IDs, atoms, cardinals)
func (d *xDisplay) cardinals(win xproto.Window, atom xproto.Atom) ([]uint32, error) {
	if atom == xproto.AtomNone {
		return nil, fmt.Errorf("unknown atom")
	}
	reply, err := xproto.GetProperty(
		d.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, err
	}
	if reply.Format != 32 || reply.ValueLen == 0 {
		return nil, fmt.Errorf("empty property")
	}

	values := make([]uint32, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		values = append(values, binary.LittleEndian.Uint32(reply.Value[i:i+4]))
	}
	return values, nil
}

var _ Source = (*X11Source)(nil)
