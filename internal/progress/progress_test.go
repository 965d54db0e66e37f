package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestNeverRunShape(t *testing.T) {
	reg := NewRegistry(fixedClock)
	for _, k := range Kinds() {
		st := reg.Snapshot(k)
		require.Equal(t, k, st.Kind)
		require.False(t, st.Done)
		require.Zero(t, st.Progress)
		require.Empty(t, st.RunID)
		require.False(t, st.Running())
	}
}

func TestResetClearsTerminalSnapshot(t *testing.T) {
	reg := NewRegistry(fixedClock)
	tr := reg.Tracker(KindLabel)
	tr.Reset()
	tr.Update(func(s *Status) {
		s.Progress = 80
		s.AffectedCount = 12
		s.TotalSenders = 3
	})
	tr.Fail(errors.New("boom"))
	require.True(t, reg.Snapshot(KindLabel).Done)

	first := reg.Snapshot(KindLabel).RunID
	second := tr.Reset()
	st := reg.Snapshot(KindLabel)
	require.NotEqual(t, first, second)
	require.Equal(t, second, st.RunID)
	require.False(t, st.Done)
	require.Zero(t, st.Progress)
	require.Empty(t, st.Error)
	require.Zero(t, st.AffectedCount)
	require.Zero(t, st.TotalSenders)
	require.True(t, st.Running())
}

func TestProgressIsMonotonic(t *testing.T) {
	tr := NewRegistry(fixedClock).Tracker(KindArchive)
	tr.Reset()
	tr.SetPhase(40, "searching")
	tr.SetPhase(20, "stale write")
	require.Equal(t, 40, tr.Snapshot().Progress)
	require.Equal(t, "stale write", tr.Snapshot().Message)
	tr.SetPhase(250, "overflow")
	require.Equal(t, 100, tr.Snapshot().Progress)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewRegistry(fixedClock).Tracker(KindMarkRead)
	tr.Reset()
	snap := tr.Snapshot()
	snap.Progress = 99
	snap.Done = true
	require.False(t, tr.Snapshot().Done)
	require.Zero(t, tr.Snapshot().Progress)
}

func TestFinish(t *testing.T) {
	tr := NewRegistry(fixedClock).Tracker(KindImportant)
	tr.Reset()
	tr.SetPhase(30, "working")
	tr.Finish("3 emails marked as important", "")
	st := tr.Snapshot()
	require.True(t, st.Done)
	require.Equal(t, 100, st.Progress)
	require.Empty(t, st.Error)
	require.Equal(t, fixedClock(), st.FinishedAt)

	tr.Reset()
	tr.SetPhase(30, "working")
	tr.Finish("failed", "Some errors: a")
	st = tr.Snapshot()
	require.True(t, st.Done)
	require.Equal(t, 30, st.Progress)
	require.Equal(t, "Some errors: a", st.Error)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("delete-bulk")
	require.NoError(t, err)
	require.Equal(t, KindDeleteBulk, k)
	_, err = ParseKind("nope")
	require.Error(t, err)
}

func TestPhase(t *testing.T) {
	require.Equal(t, 40, Phase(40, 60, 0, 10))
	require.Equal(t, 70, Phase(40, 60, 5, 10))
	require.Equal(t, 100, Phase(40, 60, 10, 10))
	require.Equal(t, 0, Phase(0, 100, 0, 0))
}
