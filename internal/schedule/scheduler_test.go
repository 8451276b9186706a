package schedule

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateSyncScheduleAddsTwoEntries(t *testing.T) {
	sched := New(discardLogger(), nil, nil)

	sched.UpdateSyncSchedule(SyncConfig{Enabled: true, StartHour: 2, StopHour: 8})
	require.Len(t, sched.cron.Entries(), 2)

	sched.Stop()
}

func TestUpdateSyncScheduleDisabledRemovesEntries(t *testing.T) {
	sched := New(discardLogger(), nil, nil)

	sched.UpdateSyncSchedule(SyncConfig{Enabled: true, StartHour: 1, StopHour: 2})
	require.Len(t, sched.cron.Entries(), 2)

	sched.UpdateSyncSchedule(SyncConfig{Enabled: false})
	require.Len(t, sched.cron.Entries(), 0)

	sched.Stop()
}

func TestScheduleNetworkProbeAddsEntry(t *testing.T) {
	sched := New(discardLogger(), nil, nil)

	require.NoError(t, sched.ScheduleNetworkProbe("0 */6 * * *"))
	require.Len(t, sched.cron.Entries(), 1)

	sched.Stop()
}

func TestScheduleNetworkProbeRejectsInvalidSpec(t *testing.T) {
	sched := New(discardLogger(), nil, nil)
	require.Error(t, sched.ScheduleNetworkProbe("not a cron spec"))
}
