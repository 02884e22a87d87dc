package controller_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

// fakeSource serves a settable current batch and pushes batches on demand.
type fakeSource struct {
	mu           sync.Mutex
	current      visibility.Batch
	ch           chan visibility.Batch
	closed       bool
	subscribeErr error
	snapshotErr  error
}

func newFakeSource(initial visibility.Batch) *fakeSource {
	return &fakeSource{current: initial, ch: make(chan visibility.Batch, 64)}
}

func (f *fakeSource) Snapshot(ctx context.Context) (visibility.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return visibility.Batch{}, f.snapshotErr
	}
	return f.current, nil
}

func (f *fakeSource) Subscribe(ctx context.Context) (<-chan visibility.Batch, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	return f.ch, nil
}

func (f *fakeSource) Push(b visibility.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.current = b
	f.ch <- b
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}

// eventLog collects reported events.
type eventLog struct {
	mu     sync.Mutex
	events []controller.Event
}

func (l *eventLog) Report(e controller.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Kinds() []controller.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]controller.EventKind, len(l.events))
	for i, e := range l.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (l *eventLog) Count(kind controller.EventKind) int {
	n := 0
	for _, k := range l.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// fakeCommander records every action it runs. Actions listed in failures
// fail once each, in order. With blockPause set a pause hangs until its
// context ends.
type fakeCommander struct {
	mu         sync.Mutex
	calls      []controller.Action
	ok         []controller.Action
	failures   []controller.Action
	blockPause bool
}

func (f *fakeCommander) Run(ctx context.Context, a controller.Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	if len(f.failures) > 0 && f.failures[0] == a {
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return errors.New("wallpaper64.exe: exit status 1")
	}
	block := f.blockPause && a == controller.Pause
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	f.ok = append(f.ok, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommander) Calls() []controller.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controller.Action(nil), f.calls...)
}

func (f *fakeCommander) Succeeded() []controller.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controller.Action(nil), f.ok...)
}

// twoMonitors builds a batch of two 100-unit monitors with the given visible areas.
func twoMonitors(visible1, visible2 int64) visibility.Batch {
	return visibility.Batch{
		Monitors: []visibility.MonitorSnapshot{
			{ID: 1, TotalArea: 100, VisibleArea: visible1},
			{ID: 2, TotalArea: 100, VisibleArea: visible2},
		},
		At: time.Now(),
	}
}

var _ = Describe("Controller", func() {
	var (
		settings controller.Settings
		source   *fakeSource
		cmd      *fakeCommander
		events   *eventLog
		ctrl     *controller.Controller
		cancel   context.CancelFunc
		done     chan error
		exited   chan struct{}
	)

	start := func(initial visibility.Batch) {
		source = newFakeSource(initial)
		var err error
		ctrl, err = controller.New(settings, source, cmd, controller.WithReporter(events))
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		d, x, c := make(chan error, 1), make(chan struct{}), ctrl
		done, exited = d, x
		go func() {
			defer close(x)
			d <- c.Run(ctx)
		}()

		Eventually(events.Kinds).Should(ContainElement(controller.EventStartupComplete))
	}

	stop := func() error {
		cancel()
		var err error
		Eventually(done, 2*time.Second).Should(Receive(&err))
		return err
	}

	BeforeEach(func() {
		settings = controller.Settings{
			Watch:           visibility.Monitors(1, 2),
			Threshold:       20,
			UpdateRate:      100 * time.Millisecond,
			Reduce:          controller.ReduceAny,
			DispatchTimeout: time.Second,
		}
		cmd = &fakeCommander{}
		events = &eventLog{}
		cancel = func() {}
		done, exited = nil, nil
	})

	AfterEach(func() {
		cancel()
		if exited != nil {
			Eventually(exited, 2*time.Second).Should(BeClosed())
		}
	})

	Describe("startup", func() {
		Context("when the desktop is mostly hidden but above the threshold (scenario A)", func() {
			It("stays RENDERING without dispatching", func() {
				start(twoMonitors(50, 0))

				Consistently(cmd.Calls, 200*time.Millisecond).Should(BeEmpty())

				status := ctrl.Status()
				Expect(status.Running).To(BeTrue())
				Expect(status.Regions).To(HaveLen(1))
				Expect(status.Regions[0].Region).To(Equal(visibility.GlobalRegion))
				Expect(status.Regions[0].Percent).To(Equal(25.0))
				Expect(status.Regions[0].State).To(Equal(controller.Rendering))
				Expect(status.LastAction).To(Equal(controller.Resume))
			})
		})

		Context("when the desktop starts below the threshold", func() {
			It("pauses immediately without waiting for a window", func() {
				start(twoMonitors(10, 0))

				Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause}))
				Expect(ctrl.Status().Regions[0].State).To(Equal(controller.Paused))
			})
		})

		Context("when the source cannot be subscribed", func() {
			It("fails with ErrSourceUnavailable and dispatches nothing", func() {
				source = newFakeSource(twoMonitors(50, 50))
				source.subscribeErr = errors.New("cannot open display")
				c, err := controller.New(settings, source, cmd)
				Expect(err).NotTo(HaveOccurred())

				err = c.Run(context.Background())
				Expect(err).To(MatchError(visibility.ErrSourceUnavailable))
				Expect(cmd.Calls()).To(BeEmpty())
			})
		})

		Context("when the initial snapshot fails", func() {
			It("fails with ErrSourceUnavailable", func() {
				source = newFakeSource(visibility.Batch{})
				source.snapshotErr = errors.New("xinerama query failed")
				c, err := controller.New(settings, source, cmd)
				Expect(err).NotTo(HaveOccurred())

				Expect(c.Run(context.Background())).To(MatchError(visibility.ErrSourceUnavailable))
			})
		})
	})

	Describe("steady state", func() {
		It("pauses exactly once when visibility drops below the threshold (scenario B)", func() {
			start(twoMonitors(50, 0))

			source.Push(twoMonitors(10, 0))

			Eventually(cmd.Calls).Should(Equal([]controller.Action{controller.Pause}))
			Consistently(cmd.Calls, 300*time.Millisecond).Should(Equal([]controller.Action{controller.Pause}))
			Expect(events.Count(controller.EventTransition)).To(Equal(1))
			Expect(ctrl.Status().Regions[0].Percent).To(Equal(5.0))
		})

		It("coalesces a burst into one evaluation after the window (scenario C)", func() {
			settings.UpdateRate = 300 * time.Millisecond
			start(twoMonitors(50, 50))

			pushed := time.Now()
			for i := 0; i < 3; i++ {
				source.Push(twoMonitors(5, 5))
				time.Sleep(20 * time.Millisecond)
			}

			Consistently(cmd.Calls, 150*time.Millisecond).Should(BeEmpty())
			Eventually(cmd.Calls, time.Second).Should(Equal([]controller.Action{controller.Pause}))
			Expect(time.Since(pushed)).To(BeNumerically(">=", 300*time.Millisecond))
			Consistently(cmd.Calls, 400*time.Millisecond).Should(Equal([]controller.Action{controller.Pause}))
			Expect(events.Count(controller.EventTransition)).To(Equal(1))
		})

		It("evaluates the last value of a burst", func() {
			start(twoMonitors(50, 50))

			source.Push(twoMonitors(5, 5))
			source.Push(twoMonitors(0, 0))
			source.Push(twoMonitors(60, 60))

			Eventually(func() float64 { return ctrl.Status().Regions[0].Percent }).
				Should(Equal(60.0))
			Consistently(cmd.Calls, 250*time.Millisecond).Should(BeEmpty())
		})

		It("never re-issues a pause while staying below the threshold", func() {
			start(twoMonitors(10, 0))

			for _, v := range []int64{4, 3, 2, 1, 0} {
				source.Push(twoMonitors(v, 0))
				time.Sleep(120 * time.Millisecond)
			}

			Consistently(cmd.Calls, 200*time.Millisecond).Should(Equal([]controller.Action{controller.Pause}))
		})

		It("resumes once visibility is back at the threshold", func() {
			start(twoMonitors(0, 0))

			source.Push(twoMonitors(20, 20))

			Eventually(cmd.Calls).Should(Equal([]controller.Action{controller.Pause, controller.Resume}))
			Expect(ctrl.Status().Regions[0].State).To(Equal(controller.Rendering))
		})

		It("retries a failed pause and records one successful dispatch (scenario D)", func() {
			cmd.failures = []controller.Action{controller.Pause}
			start(twoMonitors(50, 0))

			source.Push(twoMonitors(10, 0))

			Eventually(cmd.Succeeded, time.Second).Should(Equal([]controller.Action{controller.Pause}))
			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause, controller.Pause}))

			status := ctrl.Status()
			Expect(status.Regions[0].State).To(Equal(controller.Paused))
			Expect(status.Regions[0].Percent).To(Equal(5.0))
			Expect(status.LastAction).To(Equal(controller.Pause))
			Expect(events.Count(controller.EventDispatchFailed)).To(Equal(1))
			Expect(events.Count(controller.EventDispatched)).To(Equal(1))
		})

		It("retries only once per batch when the command keeps failing", func() {
			cmd.failures = []controller.Action{controller.Pause, controller.Pause, controller.Pause}
			start(twoMonitors(50, 0))

			source.Push(twoMonitors(10, 0))

			Eventually(cmd.Calls, time.Second).Should(HaveLen(2))
			Consistently(cmd.Calls, 300*time.Millisecond).Should(HaveLen(2))
			Expect(cmd.Succeeded()).To(BeEmpty())
		})
	})

	Describe("per-monitor mode", func() {
		BeforeEach(func() {
			settings.PerMonitor = true
		})

		It("pauses when any monitor is below the threshold by default", func() {
			start(twoMonitors(100, 5))

			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause}))
			Expect(ctrl.Status().Regions).To(HaveLen(2))
		})

		It("follows the primary monitor when one is configured", func() {
			settings.Primary = 1
			start(twoMonitors(100, 5))

			Consistently(cmd.Calls, 150*time.Millisecond).Should(BeEmpty())
		})

		It("opens a window only for the monitor that changed", func() {
			settings.UpdateRate = time.Second
			start(twoMonitors(100, 100))

			source.Push(twoMonitors(100, 5))

			Eventually(ctrl.PendingWindows).Should(Equal(1))
			Consistently(ctrl.PendingWindows, 200*time.Millisecond).Should(Equal(1))
			Expect(cmd.Calls()).To(BeEmpty())
		})

		It("treats a disconnected monitor as fully visible", func() {
			settings.Watch = visibility.AllMonitors()
			start(twoMonitors(100, 5))
			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause}))

			source.Push(visibility.Batch{Monitors: []visibility.MonitorSnapshot{
				{ID: 1, TotalArea: 100, VisibleArea: 100},
			}})

			Eventually(cmd.Calls).Should(Equal([]controller.Action{controller.Pause, controller.Resume}))
		})
	})

	Describe("shutdown", func() {
		It("resumes exactly once when stopped while PAUSED (scenario E)", func() {
			start(twoMonitors(10, 0))

			Expect(stop()).To(Succeed())

			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause, controller.Resume}))
			Expect(ctrl.Status().Running).To(BeFalse())
			Expect(ctrl.Status().Regions[0].State).To(Equal(controller.Rendering))
			kinds := events.Kinds()
			Expect(kinds[len(kinds)-1]).To(Equal(controller.EventShutdown))
		})

		It("resumes even when RENDERING", func() {
			start(twoMonitors(90, 90))

			Expect(stop()).To(Succeed())
			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Resume}))
		})

		It("drops a pending window and ends with a single resume", func() {
			settings.UpdateRate = time.Second
			start(twoMonitors(90, 90))

			source.Push(twoMonitors(0, 0))
			Eventually(ctrl.PendingWindows).Should(Equal(1))

			Expect(stop()).To(Succeed())
			Consistently(cmd.Calls, 200*time.Millisecond).Should(Equal([]controller.Action{controller.Resume}))
		})

		It("cancels an in-flight pause and still resumes last", func() {
			cmd.blockPause = true
			settings.DispatchTimeout = 5 * time.Second
			start(twoMonitors(90, 90))

			source.Push(twoMonitors(0, 0))
			Eventually(cmd.Calls).Should(Equal([]controller.Action{controller.Pause}))

			Expect(stop()).To(Succeed())
			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause, controller.Resume}))
			Expect(cmd.Succeeded()).To(Equal([]controller.Action{controller.Resume}))
		})

		It("resumes and reports an error when the source stream ends", func() {
			start(twoMonitors(10, 0))

			Expect(source.Close()).To(Succeed())

			var err error
			Eventually(done).Should(Receive(&err))
			Expect(err).To(MatchError(visibility.ErrSourceUnavailable))
			Expect(cmd.Calls()).To(Equal([]controller.Action{controller.Pause, controller.Resume}))
		})

		It("returns the final resume failure", func() {
			cmd.failures = []controller.Action{controller.Resume}
			start(twoMonitors(10, 0))

			err := stop()
			Expect(err).To(MatchError(controller.ErrDispatchFailed))
		})
	})

	Describe("New", func() {
		It("rejects invalid settings", func() {
			settings.Threshold = 101
			_, err := controller.New(settings, newFakeSource(visibility.Batch{}), cmd)
			Expect(err).To(HaveOccurred())

			settings.Threshold = math.NaN()
			_, err = controller.New(settings, newFakeSource(visibility.Batch{}), cmd)
			Expect(err).To(MatchError(ContainSubstring("threshold")))

			settings.Threshold = 20
			settings.UpdateRate = 0
			_, err = controller.New(settings, newFakeSource(visibility.Batch{}), cmd)
			Expect(err).To(HaveOccurred())

			settings.UpdateRate = time.Second
			settings.Watch = visibility.Monitors()
			_, err = controller.New(settings, newFakeSource(visibility.Batch{}), cmd)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a second concurrent Run", func() {
			start(twoMonitors(90, 90))
			Expect(ctrl.Run(context.Background())).To(MatchError(ContainSubstring("already running")))
		})
	})
})
