package merge

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	status        MergeStatus
	conflictFiles []string
	message       string
	mergeErr      error

	// byPR, when non-nil, backs ListComments/ListReviews per PR number for
	// the FetchBatchFeedback tests below; the zero-value fakeClient ignores
	// prNumber and always returns nil/nil, which suffices for the merge
	// classification tests above.
	byPR       map[int]Feedback
	failOnPR   int
	fetchCalls int32
}

func (f *fakeClient) OpenPR(ctx context.Context, branch, title, body string) (int, error) {
	return 7, nil
}
func (f *fakeClient) Merge(ctx context.Context, prNumber int) (MergeStatus, []string, string, error) {
	return f.status, f.conflictFiles, f.message, f.mergeErr
}
func (f *fakeClient) ClosePR(ctx context.Context, prNumber int) error             { return nil }
func (f *fakeClient) AddLabel(ctx context.Context, prNumber int, label string) error { return nil }
func (f *fakeClient) ListComments(ctx context.Context, prNumber int) ([]Comment, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	if f.failOnPR != 0 && prNumber == f.failOnPR {
		return nil, fmt.Errorf("fake: comments unavailable for pr %d", prNumber)
	}
	if f.byPR == nil {
		return nil, nil
	}
	return f.byPR[prNumber].Comments, nil
}
func (f *fakeClient) ListReviews(ctx context.Context, prNumber int) ([]Review, error) {
	if f.byPR == nil {
		return nil, nil
	}
	return f.byPR[prNumber].Reviews, nil
}

func TestCoordinator_AttemptMerge_OK(t *testing.T) {
	c := NewCoordinator(&fakeClient{status: MergeOK})
	outcome, err := c.AttemptMerge(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, outcome.Merged)
}

func TestCoordinator_AttemptMerge_Conflict(t *testing.T) {
	c := NewCoordinator(&fakeClient{status: MergeConflict, conflictFiles: []string{"a.go"}})
	outcome, err := c.AttemptMerge(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, outcome.Merged)
	require.Equal(t, []string{"a.go"}, outcome.ConflictFiles)
}

func TestCoordinator_AttemptMerge_Fail(t *testing.T) {
	c := NewCoordinator(&fakeClient{status: MergeFail, message: "not mergeable"})
	outcome, err := c.AttemptMerge(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, outcome.Merged)
	require.Equal(t, "not mergeable", outcome.FailureMessage)
}

func TestCoordinator_OpenPR(t *testing.T) {
	c := NewCoordinator(&fakeClient{})
	n, err := c.OpenPR(context.Background(), "task-1", "title", "body")
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestCoordinator_FetchBatchFeedback_OK(t *testing.T) {
	client := &fakeClient{byPR: map[int]Feedback{
		1: {Comments: []Comment{{Author: "alice", Body: "looks good"}}},
		2: {Reviews: []Review{{Author: "bob", State: "CHANGES_REQUESTED"}}},
		3: {},
	}}
	c := NewCoordinator(client)

	results, err := c.FetchBatchFeedback(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "alice", results[1].Comments[0].Author)
	require.Equal(t, "CHANGES_REQUESTED", results[2].Reviews[0].State)
	require.Equal(t, int32(3), client.fetchCalls)
}

func TestCoordinator_FetchBatchFeedback_PartialFailureAbortsBatch(t *testing.T) {
	client := &fakeClient{failOnPR: 2}
	c := NewCoordinator(client)

	results, err := c.FetchBatchFeedback(context.Background(), []int{1, 2, 3})
	require.Error(t, err)
	require.Nil(t, results)
}

func TestCoordinator_FetchBatchFeedback_Empty(t *testing.T) {
	c := NewCoordinator(&fakeClient{})
	results, err := c.FetchBatchFeedback(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
