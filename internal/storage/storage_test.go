package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svcron/internal/eventbus"
	"svcron/pkg/logx"
)

func record(i int, at time.Time) RunRecord {
	return RunRecord{
		ID:          fmt.Sprintf("run-%d", i),
		User:        "alice",
		Command:     "echo " + fmt.Sprint(i),
		PID:         1000 + i,
		Start:       at,
		End:         at.Add(time.Second),
		ExitCode:    i % 2,
		OutputBytes: int64(i),
		Mailed:      i%2 == 0,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestStoresKeepNewestFirst(t *testing.T) {
	t.Parallel()
	drivers := map[string]string{
		"file":   "history.jsonl",
		"sqlite": "history.db",
	}
	for driver, name := range drivers {
		driver, name := driver, name
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", name)
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)

			ctx := context.Background()
			base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendRun(ctx, record(i, base.Add(time.Duration(i)*time.Minute))))
			}

			got, err := st.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"run-4", "run-3", "run-2"}, []string{got[0].ID, got[1].ID, got[2].ID})
			assert.True(t, got[0].Start.Equal(base.Add(4*time.Minute)))
			assert.Equal(t, "echo 4", got[0].Command)
			assert.True(t, got[0].Mailed)
			assert.Equal(t, int64(4), got[0].OutputBytes)

			all, err := st.Recent(ctx, 50)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			require.NoError(t, st.Close())
			require.ErrorIs(t, st.AppendRun(ctx, record(9, base)), ErrDisabled)
		})
	}
}

type memStore struct {
	runs []RunRecord
}

func (m *memStore) AppendRun(_ context.Context, r RunRecord) error {
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) Recent(context.Context, int) ([]RunRecord, error) { return m.runs, nil }
func (m *memStore) Close() error                                     { return nil }

func TestRecorderKeepsConvertedEvents(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	rec := NewRecorder(st, func(ev eventbus.Event) (RunRecord, bool) {
		if ev.Type != eventbus.TypeJobFinished {
			return RunRecord{}, false
		}
		id, _ := ev.Data.(string)
		return RunRecord{ID: id}, true
	}, logx.Nop())

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: "a"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: "a"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: "b"})
	unsub()

	require.NoError(t, rec.Run(context.Background(), ch))
	require.Len(t, st.runs, 2)
	assert.Equal(t, "a", st.runs[0].ID)
	assert.Equal(t, "b", st.runs[1].ID)
}
