package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(t *testing.T) *session.FileStore {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir(), newTestLogger())
	require.NoError(t, err)
	return store
}

func saveSession(t *testing.T, store session.Store, id string, start time.Time) session.CompletedSession {
	t.Helper()
	var samples []hr.FilteredSample
	for i, bpm := range []uint16{118, 122, 125} {
		samples = append(samples, hr.FilteredSample{
			RawBPM:      bpm,
			FilteredBPM: float64(bpm),
			Timestamp:   start.Add(time.Duration(i) * time.Second),
		})
	}
	completed := session.CompletedSession{
		ID:              id,
		PlanName:        "Base Endurance",
		StartTime:       start,
		EndTime:         start.Add(3 * time.Second),
		Status:          session.StatusStopped,
		HRSamples:       samples,
		PhasesCompleted: 0,
		PhaseCount:      1,
		MaxHR:           180,
		Summary:         session.NewSummary(samples, 3*time.Second, [5]uint32{0, 3, 0, 0, 0}),
	}
	require.NoError(t, store.Save(context.Background(), completed))
	return completed
}

func TestNewServer_NilDependenciesPanic(t *testing.T) {
	assert.PanicsWithValue(t, "Server: logger cannot be nil", func() {
		NewServer(Sources{}, newTestStore(t), nil)
	})
	assert.PanicsWithValue(t, "Server: store cannot be nil", func() {
		NewServer(Sources{}, nil, newTestLogger())
	})
}

func TestSessionsAPI(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	saved := saveSession(t, store, "11111111-2222-3333-4444-555555555555", start)

	srv := NewServer(Sources{}, store, newTestLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var previews []session.SummaryPreview
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&previews))
		require.Len(t, previews, 1)
		assert.Equal(t, saved.ID, previews[0].ID)
		assert.Equal(t, saved.Summary.AvgHR, previews[0].AvgHR)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/" + saved.ID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got session.CompletedSession
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, saved.PlanName, got.PlanName)
		assert.Len(t, got.HRSamples, 3)
	})

	t.Run("get unknown", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("export csv", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/" + saved.ID + "/export?format=CSV")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "timestamp,bpm,zone"))
	})

	t.Run("export defaults to json", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/" + saved.ID + "/export")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})

	t.Run("export unsupported format", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/" + saved.ID + "/export?format=xml")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("export unknown", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/nope/export?format=summary")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSessionsAPI_EmptyListIsArray(t *testing.T) {
	srv := NewServer(Sources{}, newTestStore(t), newTestLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(body))
}

type wireEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env wireEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocket_PushesEveryStream(t *testing.T) {
	sources := Sources{
		Samples:       events.NewBroadcaster[hr.FilteredSample](8, false),
		Progress:      events.NewBroadcaster[workout.SessionProgress](8, false),
		Battery:       events.NewBroadcaster[hr.BatteryLevel](8, false),
		Connection:    events.NewBroadcaster[bt.ConnectionStatus](8, false),
		Scan:          events.NewBroadcaster[bt.ScanResult](8, false),
		Notifications: events.NewBroadcaster[workout.Notification](8, false),
	}
	srv := NewServer(sources, newTestStore(t), newTestLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	conn := dial(t, ts)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return sources.Notifications.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	now := time.Now()

	sources.Samples.Publish(hr.FilteredSample{RawBPM: 130, FilteredBPM: 128.5, Timestamp: now})
	env := readEnvelope(t, conn)
	assert.Equal(t, MsgSample, env.Type)
	var sample hr.FilteredSample
	require.NoError(t, json.Unmarshal(env.Payload, &sample))
	assert.Equal(t, uint16(130), sample.RawBPM)
	assert.InDelta(t, 128.5, sample.FilteredBPM, 1e-9)

	sources.Progress.Publish(workout.SessionProgress{
		SessionID:  "abc",
		PlanName:   "5K Tempo Run",
		State:      workout.StateRunning,
		CurrentBPM: 150,
		HasBPM:     true,
		ZoneStatus: zone.InZone,
		Phase: workout.PhaseProgress{
			Index:     1,
			Name:      "Tempo",
			Elapsed:   90 * time.Second,
			Remaining: 30 * time.Second,
			Target:    zone.Target{Low: 140, High: 160},
		},
		PhaseCount:     3,
		TotalElapsed:   10 * time.Minute,
		TotalRemaining: 30 * time.Minute,
		Timestamp:      now,
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgProgress, env.Type)
	var progress ProgressPayload
	require.NoError(t, json.Unmarshal(env.Payload, &progress))
	assert.Equal(t, "Running", progress.State)
	require.NotNil(t, progress.CurrentBPM)
	assert.InDelta(t, 150, *progress.CurrentBPM, 1e-9)
	assert.Nil(t, progress.RMSSD)
	assert.Equal(t, "InZone", progress.ZoneStatus)
	assert.InDelta(t, 90, progress.Phase.ElapsedSecs, 1e-9)
	assert.InDelta(t, 1800, progress.TotalRemainingSecs, 1e-9)
	assert.Equal(t, zone.Target{Low: 140, High: 160}, progress.Phase.Target)

	sources.Battery.Publish(hr.BatteryLevel{Percent: 12, Timestamp: now})
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgBattery, env.Type)
	var battery BatteryPayload
	require.NoError(t, json.Unmarshal(env.Payload, &battery))
	assert.Equal(t, uint8(12), battery.Percent)
	assert.True(t, battery.Low)

	sources.Connection.Publish(bt.ConnectionStatus{
		State:     bt.StateReconnectFailed,
		DeviceID:  "AA:BB",
		Attempt:   5,
		Err:       errors.New("gone"),
		Timestamp: now,
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgConnection, env.Type)
	var status ConnectionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	assert.Equal(t, "ReconnectFailed", status.State)
	assert.Equal(t, "gone", status.Error)

	sources.Scan.Publish(bt.ScanResult{DeviceID: "AA:BB", Name: "Strap", RSSI: -60})
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgScan, env.Type)
	var scan bt.ScanResult
	require.NoError(t, json.Unmarshal(env.Payload, &scan))
	assert.Equal(t, "Strap", scan.Name)

	sources.Notifications.Publish(workout.Notification{
		Kind:      workout.NotifyZoneDeviation,
		SessionID: "abc",
		PlanName:  "5K Tempo Run",
		Deviation: zone.TooHigh,
		BPM:       171,
		Target:    zone.Target{Low: 140, High: 160},
		Timestamp: now,
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgNotification, env.Type)
	var note NotificationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &note))
	assert.Equal(t, "ZoneDeviation", note.Kind)
	assert.Equal(t, "TooHigh", note.Deviation)
	assert.Equal(t, "TOO HIGH: 171 bpm (target 140-160 bpm)", note.Message)
	require.NotNil(t, note.BPM)
	assert.InDelta(t, 171, *note.BPM, 1e-9)
	assert.Nil(t, note.FromPhase)
	assert.Nil(t, note.BatteryPercent)
}

func TestNotificationPayload_PhaseAndBattery(t *testing.T) {
	phase := newNotificationPayload(workout.Notification{
		Kind:      workout.NotifyPhaseTransition,
		FromPhase: 0,
		ToPhase:   1,
		PhaseName: "Tempo",
	})
	assert.Equal(t, "PhaseTransition", phase.Kind)
	require.NotNil(t, phase.FromPhase)
	require.NotNil(t, phase.ToPhase)
	assert.Equal(t, 0, *phase.FromPhase)
	assert.Equal(t, 1, *phase.ToPhase)
	assert.Equal(t, "Phase 1 -> 2: Tempo", phase.Message)
	assert.Nil(t, phase.BPM)

	battery := newNotificationPayload(workout.Notification{Kind: workout.NotifyBatteryLow, BatteryPercent: 9})
	require.NotNil(t, battery.BatteryPercent)
	assert.Equal(t, uint8(9), *battery.BatteryPercent)
	assert.Equal(t, "Sensor battery low: 9%", battery.Message)
}

func TestWebSocket_ClientLeavingUnsubscribes(t *testing.T) {
	samples := events.NewBroadcaster[hr.FilteredSample](8, false)
	srv := NewServer(Sources{Samples: samples}, newTestStore(t), newTestLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return samples.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return samples.SubscriberCount() == 0 && srv.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	progress := events.NewBroadcaster[workout.SessionProgress](8, false)
	srv := NewServer(Sources{Progress: progress}, newTestStore(t), newTestLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Close()
	assert.Equal(t, 0, srv.ClientCount())
	assert.Equal(t, 0, progress.SubscriberCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// late clients are turned away
	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = late.ReadMessage()
		assert.Error(t, err)
		late.Close()
	}
}

func TestServe_StopsWithContext(t *testing.T) {
	srv := NewServer(Sources{}, newTestStore(t), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0")
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "example.com", true},
		{"http://localhost:5173", "127.0.0.1:8787", true},
		{"http://127.0.0.1:3000", "127.0.0.1:8787", true},
		{"http://[::1]:3000", "127.0.0.1:8787", true},
		{"http://dash.local:8787", "dash.local:8787", true},
		{"http://evil.example", "127.0.0.1:8787", false},
		{"::not a url", "127.0.0.1:8787", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}
