// Package agenthost implements the three step agent kinds (§4.7): the
// iterative "ralph" loop, the single-shot agent, and the deterministic shell
// action. Every handler implements pkg/pipeline.Handler — it writes its
// result to ctx.ResultPath rather than returning a value, so the executor
// can read it back across whatever process boundary the handler used.
package agenthost

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

var resultTagRE = regexp.MustCompile(`(?s)<result>(.*?)</result>`)

// extractResultTag pulls the first <result>...</result> payload out of log
// text, used by the ralph loop's completion callback and by single-shot
// agents to decide the gate result.
func extractResultTag(text string) (string, bool) {
	m := resultTagRE.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var modifiedFileRE = regexp.MustCompile(`(?m)^(?:Modified|Created|Edited|Wrote)\s*:?\s+(\S+)\s*$`)

// extractFilesModified scans a log's text for lines an editing tool emits
// when it changes a file. Best-effort: a log with no recognizable lines
// yields an empty slice, not an error.
func extractFilesModified(text string) []string {
	matches := modifiedFileRE.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var files []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			files = append(files, m[1])
		}
	}
	return files
}

func getString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func getInt(cfg map[string]any, key string, def int) int {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func getBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// writeResult marshals r to ctx.ResultPath, the contract every handler in
// this package honors (§6 result-file schema).
func writeResult(path string, r pipeline.Result) error {
	r.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("agenthost: marshal result: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
