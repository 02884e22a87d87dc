package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

type staticStatus controller.Status

func (s staticStatus) Status() controller.Status {
	return controller.Status(s)
}

func testStatus() staticStatus {
	return staticStatus{
		Running:    true,
		Watch:      "1,2",
		Threshold:  20,
		LastAction: controller.Pause,
		Regions: []controller.RegionState{
			{Region: visibility.GlobalRegion, State: controller.Paused, Percent: 5, Evaluated: true},
		},
		Monitors: []visibility.MonitorSnapshot{
			{ID: 1, TotalArea: 100, VisibleArea: 10},
			{ID: 2, TotalArea: 100, VisibleArea: 0},
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth_ReportsRenderProcess(t *testing.T) {
	probe := func(ctx context.Context) (bool, error) { return true, nil }
	s := NewServer(testStatus(), NewHub(0), probe)

	rec := get(t, s.Handler(), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["render_process_running"])
}

func TestHealth_ProbeError(t *testing.T) {
	probe := func(ctx context.Context) (bool, error) { return false, errors.New("permission denied") }
	s := NewServer(testStatus(), nil, probe)

	rec := get(t, s.Handler(), "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission denied")
}

func TestStatus(t *testing.T) {
	s := NewServer(testStatus(), nil, nil)

	rec := get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body struct {
		Running    bool   `json:"running"`
		LastAction string `json:"last_action"`
		Regions    []struct {
			Region  string  `json:"region"`
			State   string  `json:"state"`
			Percent float64 `json:"percent"`
		} `json:"regions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Running)
	assert.Equal(t, "pause", body.LastAction)
	require.Len(t, body.Regions, 1)
	assert.Equal(t, "PAUSED", body.Regions[0].State)
	assert.Equal(t, 5.0, body.Regions[0].Percent)
}

func TestMonitors(t *testing.T) {
	s := NewServer(testStatus(), nil, nil)

	rec := get(t, s.Handler(), "/api/monitors")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []struct {
		ID      int     `json:"id"`
		Percent float64 `json:"percent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, 1, body[0].ID)
	assert.Equal(t, 10.0, body[0].Percent)
	assert.Equal(t, 0.0, body[1].Percent)
}

func TestRegion(t *testing.T) {
	s := NewServer(testStatus(), nil, nil)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/regions/global").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/regions/7").Code)
}

func TestEvents_StreamsStatusThenEvents(t *testing.T) {
	hub := NewHub(4)
	s := NewServer(testStatus(), hub, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first controller.Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "1,2", first.Watch)

	require.Eventually(t, func() bool { return hub.Listeners() == 1 }, time.Second, 5*time.Millisecond)
	hub.Report(controller.Event{Kind: controller.EventDispatched, Action: "pause"})

	var ev controller.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, controller.EventDispatched, ev.Kind)
	assert.Equal(t, "pause", ev.Action)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEvents_DisabledWithoutHub(t *testing.T) {
	s := NewServer(testStatus(), nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/api/events").Code)
}

func TestHub_DropsForSlowListener(t *testing.T) {
	hub := NewHub(1)
	ch := hub.Subscribe()

	hub.Report(controller.Event{Kind: controller.EventTransition})
	hub.Report(controller.Event{Kind: controller.EventShutdown})

	assert.Equal(t, controller.EventTransition, (<-ch).Kind)
	select {
	case <-ch:
		t.Fatal("expected second event to be dropped")
	default:
	}

	hub.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Listeners())
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := NewServer(testStatus(), NewHub(0), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
