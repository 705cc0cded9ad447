// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package merge implements the PR/merge coordinator (§4.11): it owns the
// needs_merge → merged path and the conflict-queue data model, consumed
// through a small interface onto an external GitHub service rather than any
// concrete client — the teacher's pattern of treating remote collaborators
// (its own LLM providers) as injected interfaces, applied here to GitHub.
package merge

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
)

// Comment and Review are the minimal shapes the coordinator reads back.
type Comment struct {
	Author string
	Body   string
}

type Review struct {
	Author string
	State  string // APPROVED|CHANGES_REQUESTED|COMMENTED
	Body   string
}

// MergeStatus classifies one merge attempt's raw outcome (§4.11: "merge(pr)
// → OK | CONFLICT(files[]) | FAIL(message)").
type MergeStatus int

const (
	MergeOK MergeStatus = iota
	MergeConflict
	MergeFail
)

// GitHubClient is the external collaborator interface the coordinator
// consumes (§4.11) — implemented by whatever GitHub automation the
// orchestrator is embedded in (REST client, gh CLI wrapper, etc.).
type GitHubClient interface {
	OpenPR(ctx context.Context, branch, title, body string) (prNumber int, err error)
	Merge(ctx context.Context, prNumber int) (status MergeStatus, conflictFiles []string, message string, err error)
	ClosePR(ctx context.Context, prNumber int) error
	AddLabel(ctx context.Context, prNumber int, label string) error
	ListComments(ctx context.Context, prNumber int) ([]Comment, error)
	ListReviews(ctx context.Context, prNumber int) ([]Review, error)
}

// Coordinator drives GitHubClient on behalf of the scheduler's merge
// processing step (§4.10 step 6).
type Coordinator struct {
	client GitHubClient
}

// NewCoordinator wraps client.
func NewCoordinator(client GitHubClient) *Coordinator {
	return &Coordinator{client: client}
}

// OpenPR opens a pull request for a worker's branch.
func (c *Coordinator) OpenPR(ctx context.Context, branch, title, body string) (int, error) {
	return c.client.OpenPR(ctx, branch, title, body)
}

// AttemptMerge attempts to merge prNumber and classifies the result into
// the scheduler.MergeOutcome shape its Hooks.AttemptMerge expects.
func (c *Coordinator) AttemptMerge(ctx context.Context, prNumber int) (scheduler.MergeOutcome, error) {
	status, files, message, err := c.client.Merge(ctx, prNumber)
	if err != nil {
		return scheduler.MergeOutcome{}, fmt.Errorf("merge: attempt pr %d: %w", prNumber, err)
	}
	switch status {
	case MergeOK:
		return scheduler.MergeOutcome{Merged: true}, nil
	case MergeConflict:
		return scheduler.MergeOutcome{ConflictFiles: files}, nil
	default:
		return scheduler.MergeOutcome{FailureMessage: message}, nil
	}
}

// ClosePR, AddLabel, ListComments, ListReviews pass through to the client
// (§4.11); the coordinator adds no behavior beyond the merge classification
// above, which is where the spec's actual decision logic lives.
func (c *Coordinator) ClosePR(ctx context.Context, prNumber int) error {
	return c.client.ClosePR(ctx, prNumber)
}

func (c *Coordinator) AddLabel(ctx context.Context, prNumber int, label string) error {
	return c.client.AddLabel(ctx, prNumber, label)
}

func (c *Coordinator) ListComments(ctx context.Context, prNumber int) ([]Comment, error) {
	return c.client.ListComments(ctx, prNumber)
}

func (c *Coordinator) ListReviews(ctx context.Context, prNumber int) ([]Review, error) {
	return c.client.ListReviews(ctx, prNumber)
}

// Feedback is one PR's comment/review history.
type Feedback struct {
	Comments []Comment
	Reviews  []Review
}

// maxBatchFanout bounds how many PRs a batch plan fetches feedback for
// concurrently, so a large conflict batch doesn't open one GitHub request
// per member all at once.
const maxBatchFanout = 4

// FetchBatchFeedback fetches comments and reviews for every PR in prNumbers
// concurrently, bounded to maxBatchFanout in flight at a time (§4.11: the PR
// coordinator's bounded fan-out feeding the multi-PR planner).
func (c *Coordinator) FetchBatchFeedback(ctx context.Context, prNumbers []int) (map[int]Feedback, error) {
	var (
		mu      sync.Mutex
		results = make(map[int]Feedback, len(prNumbers))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchFanout)

	for _, pr := range prNumbers {
		g.Go(func() error {
			comments, err := c.client.ListComments(gctx, pr)
			if err != nil {
				return fmt.Errorf("merge: list comments pr %d: %w", pr, err)
			}
			reviews, err := c.client.ListReviews(gctx, pr)
			if err != nil {
				return fmt.Errorf("merge: list reviews pr %d: %w", pr, err)
			}
			mu.Lock()
			results[pr] = Feedback{Comments: comments, Reviews: reviews}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
