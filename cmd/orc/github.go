package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/orchestra/workload-orchestrator/pkg/merge"
)

// ghClient implements merge.GitHubClient by shelling out to the gh CLI,
// the same exec.Command-and-scrape idiom pkg/backend/claudecli.go uses for
// its own external process (§4.11).
type ghClient struct {
	workspace string // repo checkout gh operates against
}

func newGHClient(workspace string) *ghClient {
	return &ghClient{workspace: workspace}
}

func (g *ghClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = g.workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (g *ghClient) OpenPR(ctx context.Context, branch, title, body string) (int, error) {
	out, err := g.run(ctx, "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", body,
		"--json", "number")
	if err != nil {
		return 0, err
	}
	var resp struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, fmt.Errorf("gh pr create: parse response: %w", err)
	}
	return resp.Number, nil
}

func (g *ghClient) Merge(ctx context.Context, prNumber int) (merge.MergeStatus, []string, string, error) {
	_, err := g.run(ctx, "pr", "merge", strconv.Itoa(prNumber), "--squash", "--auto")
	if err == nil {
		return merge.MergeOK, nil, "", nil
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "conflict") {
		files, ferr := g.conflictFiles(ctx, prNumber)
		if ferr != nil {
			files = nil
		}
		return merge.MergeConflict, files, msg, nil
	}
	return merge.MergeFail, nil, msg, nil
}

func (g *ghClient) conflictFiles(ctx context.Context, prNumber int) ([]string, error) {
	out, err := g.run(ctx, "pr", "diff", strconv.Itoa(prNumber), "--name-only")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *ghClient) ClosePR(ctx context.Context, prNumber int) error {
	_, err := g.run(ctx, "pr", "close", strconv.Itoa(prNumber))
	return err
}

func (g *ghClient) AddLabel(ctx context.Context, prNumber int, label string) error {
	_, err := g.run(ctx, "pr", "edit", strconv.Itoa(prNumber), "--add-label", label)
	return err
}

func (g *ghClient) ListComments(ctx context.Context, prNumber int) ([]merge.Comment, error) {
	out, err := g.run(ctx, "pr", "view", strconv.Itoa(prNumber), "--json", "comments")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Comments []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("gh pr view: parse comments: %w", err)
	}
	comments := make([]merge.Comment, 0, len(resp.Comments))
	for _, c := range resp.Comments {
		comments = append(comments, merge.Comment{Author: c.Author.Login, Body: c.Body})
	}
	return comments, nil
}

func (g *ghClient) ListReviews(ctx context.Context, prNumber int) ([]merge.Review, error) {
	out, err := g.run(ctx, "pr", "view", strconv.Itoa(prNumber), "--json", "reviews")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Reviews []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			State string `json:"state"`
			Body  string `json:"body"`
		} `json:"reviews"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("gh pr view: parse reviews: %w", err)
	}
	reviews := make([]merge.Review, 0, len(resp.Reviews))
	for _, r := range resp.Reviews {
		reviews = append(reviews, merge.Review{Author: r.Author.Login, State: r.State, Body: r.Body})
	}
	return reviews, nil
}

var prNumberRE = regexp.MustCompile(`/pull/(\d+)`)

// prNumberFromWorkerDir reads pr_url.txt (§6) and extracts the PR number
// gh's flat --json number output doesn't persist across process restarts.
func prNumberFromWorkerDir(workerDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(workerDir, "pr_url.txt"))
	if err != nil {
		return 0, false
	}
	m := prNumberRE.FindSubmatch(bytes.TrimSpace(data))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}
