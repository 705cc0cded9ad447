package resume

import (
	"os"
	"regexp"
)

var checkboxRE = regexp.MustCompile(`(?m)^\s*-\s\[([ xX])\]`)

// prdChecklistComplete reports whether every GFM-style checkbox in prd.md
// is checked. A missing file or a file with no checkboxes at all counts as
// incomplete — there's nothing to corroborate completion from.
func prdChecklistComplete(path string) (total, done int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	matches := checkboxRE.FindAllStringSubmatch(string(data), -1)
	if len(matches) == 0 {
		return 0, 0, false
	}
	for _, m := range matches {
		total++
		if m[1] == "x" || m[1] == "X" {
			done++
		}
	}
	return total, done, total == done
}
