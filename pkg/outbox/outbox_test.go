package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndMarkCompleted(t *testing.T) {
	o := New(t.TempDir())
	batchID, _, err := o.RecordPending([]string{"cleanup_worktree", "archive_worker"}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	pending, err := o.PendingEntries()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, o.MarkCompleted(batchID, pending[0].EntryID))

	pending, err = o.PendingEntries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "archive_worker", pending[0].EffectName)
}

func TestReplayPendingMarksSuccessesOnly(t *testing.T) {
	o := New(t.TempDir())
	_, _, err := o.RecordPending([]string{"cleanup_worktree", "sync_github_status"}, nil, nil)
	require.NoError(t, err)

	var executed []string
	errs := o.ReplayPending(func(e Entry) error {
		executed = append(executed, e.EffectName)
		if e.EffectName == "sync_github_status" {
			return assertErr{}
		}
		return nil
	})
	require.Len(t, errs, 1)
	require.ElementsMatch(t, []string{"cleanup_worktree", "sync_github_status"}, executed)

	pending, err := o.PendingEntries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "sync_github_status", pending[0].EffectName)
}

func TestReplayPendingIsIdempotentWhenAllSucceed(t *testing.T) {
	o := New(t.TempDir())
	_, _, err := o.RecordPending([]string{"archive_worker"}, nil, nil)
	require.NoError(t, err)

	errs := o.ReplayPending(func(Entry) error { return nil })
	require.Empty(t, errs)

	// Replaying again with nothing pending must be a no-op.
	calls := 0
	errs = o.ReplayPending(func(Entry) error {
		calls++
		return nil
	})
	require.Empty(t, errs)
	require.Equal(t, 0, calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
