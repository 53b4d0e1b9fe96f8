package session

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func makeSession(id, plan string, start time.Time, bpms ...uint16) CompletedSession {
	samples := make([]hr.FilteredSample, 0, len(bpms))
	for i, bpm := range bpms {
		samples = append(samples, hr.FilteredSample{
			RawBPM:      bpm,
			FilteredBPM: float64(bpm),
			Timestamp:   start.Add(time.Duration(i) * time.Second),
		})
	}
	duration := time.Duration(len(bpms)) * time.Second
	return CompletedSession{
		ID:              id,
		PlanName:        plan,
		StartTime:       start,
		EndTime:         start.Add(duration),
		Status:          StatusCompleted,
		HRSamples:       samples,
		PhasesCompleted: 1,
		PhaseCount:      1,
		MaxHR:           180,
		Summary:         NewSummary(samples, duration, [5]uint32{0, uint32(len(bpms)), 0, 0, 0}),
	}
}

// runStoreContract exercises behaviour every Store implementation shares
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

	t.Run("SaveGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		cs := makeSession("a1", "Base Endurance", base, 120, 125, 130)
		require.NoError(t, store.Save(ctx, cs))

		got, err := store.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, cs, got)
	})

	t.Run("SaveDuplicateFails", func(t *testing.T) {
		store := newStore(t)
		cs := makeSession("dup", "Base Endurance", base, 120)
		require.NoError(t, store.Save(ctx, cs))
		assert.ErrorIs(t, store.Save(ctx, cs), ErrSessionExists)
	})

	t.Run("ListMostRecentFirst", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, makeSession("old", "5K Tempo Run", base, 140)))
		require.NoError(t, store.Save(ctx, makeSession("new", "5K Tempo Run", base.Add(48*time.Hour), 150)))
		require.NoError(t, store.Save(ctx, makeSession("mid", "Base Endurance", base.Add(time.Hour), 130)))

		previews, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, previews, 3)
		assert.Equal(t, "new", previews[0].ID)
		assert.Equal(t, "mid", previews[1].ID)
		assert.Equal(t, "old", previews[2].ID)
		assert.Equal(t, uint16(150), previews[0].AvgHR)
		assert.Equal(t, StatusCompleted, previews[0].Status)
	})

	t.Run("ListEmpty", func(t *testing.T) {
		store := newStore(t)
		previews, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, previews)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, makeSession("gone", "Base Endurance", base, 120)))
		require.NoError(t, store.Delete(ctx, "gone"))

		_, err := store.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "gone"), ErrSessionNotFound)
	})

	t.Run("ExportFormats", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, makeSession("exp", "Base Endurance", base, 120, 130)))

		for _, format := range Formats {
			out, err := store.Export(ctx, "exp", format)
			require.NoError(t, err, "format %s", format)
			assert.NotEmpty(t, out)
		}
	})

	t.Run("ExportUnsupportedFormatLeavesSessionUntouched", func(t *testing.T) {
		store := newStore(t)
		cs := makeSession("keep", "Base Endurance", base, 120, 130)
		require.NoError(t, store.Save(ctx, cs))

		_, err := store.Export(ctx, "keep", Format("xml"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)

		got, err := store.Get(ctx, "keep")
		require.NoError(t, err)
		assert.Equal(t, cs, got)
	})

	t.Run("ExportUnsupportedFormatCheckedFirst", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Export(ctx, "missing", Format("xml"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		store := newStore(t)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, store.Save(canceled, makeSession("c", "Base Endurance", base, 120)), context.Canceled)
		_, err := store.List(canceled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Checkpoint", func(t *testing.T) {
		store := newStore(t)
		cp, ok := store.(Checkpointer)
		require.True(t, ok)

		_, found, err := cp.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		first := makeSession("run", "Base Endurance", base, 120)
		require.NoError(t, cp.SaveCheckpoint(ctx, first))
		second := makeSession("run", "Base Endurance", base, 120, 125)
		require.NoError(t, cp.SaveCheckpoint(ctx, second))

		got, found, err := cp.LoadCheckpoint(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, second, got)

		// checkpoints never show up as stored sessions
		previews, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, previews)

		require.NoError(t, cp.ClearCheckpoint(ctx))
		require.NoError(t, cp.ClearCheckpoint(ctx))
		_, found, err = cp.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewFileStore(t.TempDir(), newTestLogger())
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"), newTestLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestNewFileStore_NilLoggerPanics(t *testing.T) {
	assert.PanicsWithValue(t, "FileStore: logger cannot be nil", func() {
		_, _ = NewFileStore(t.TempDir(), nil)
	})
}

func TestFileStore_FileNaming(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, newTestLogger())
	require.NoError(t, err)

	start := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), makeSession("id-1", "5K Tempo Run", start, 140)))

	_, err = os.Stat(filepath.Join(dir, "20240115--5K_Tempo_Run--id-1.json"))
	assert.NoError(t, err)
}

func TestFileStore_ListSkipsCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, makeSession("good", "Base Endurance", start, 120)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20240116--Base_Endurance--bad.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644))

	previews, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, "good", previews[0].ID)
}

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		wantID string
		wantOK bool
	}{
		{"valid", "20240101--Base_Endurance--abc.json", "abc", true},
		{"uuid", "20240101--plan--0b4c-11ee.json", "0b4c-11ee", true},
		{"checkpoint", "checkpoint.json", "", false},
		{"tmp", "20240101--plan--abc.json.tmp", "", false},
		{"missing parts", "20240101--abc.json", "", false},
		{"empty id", "20240101--plan--.json", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := parseSessionID(tt.file)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	store, err := OpenSQLite(path, newTestLogger())
	require.NoError(t, err)
	cs := makeSession("persisted", "Base Endurance", time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), 110, 115)
	require.NoError(t, store.Save(ctx, cs))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path, newTestLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, cs, got)
}
