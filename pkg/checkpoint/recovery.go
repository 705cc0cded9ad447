package checkpoint

// LastCommittedBefore scans every checkpoint across every run directory and
// returns the most recent one with a non-empty CommitHash whose StepID
// appears strictly before targetStep in stepOrder. Used by the pipeline
// executor and resume decider to pick a workspace-reset point (§4.6 step 5,
// §4.8: "reset the workspace to the last checkpoint whose step had
// commit_after=true").
func (s *Store) LastCommittedBefore(runIDs []string, stepOrder []string, targetStep string) (Checkpoint, bool, error) {
	targetIdx := indexOf(stepOrder, targetStep)
	if targetIdx < 0 {
		targetIdx = len(stepOrder)
	}

	var best Checkpoint
	found := false
	for _, runID := range runIDs {
		cps, err := s.List(runID)
		if err != nil {
			return Checkpoint{}, false, err
		}
		for _, cp := range cps {
			if cp.CommitHash == "" {
				continue
			}
			stepIdx := indexOf(stepOrder, cp.StepID)
			if stepIdx < 0 || stepIdx >= targetIdx {
				continue
			}
			if !found || cp.Timestamp.After(best.Timestamp) {
				best = cp
				found = true
			}
		}
	}
	return best, found, nil
}

func indexOf(items []string, item string) int {
	for i, v := range items {
		if v == item {
			return i
		}
	}
	return -1
}

// RecoveryPossible reports whether a committed checkpoint exists strictly
// before targetStep — the flag the resume decider writes into its result
// file (§4.8).
func (s *Store) RecoveryPossible(runIDs []string, stepOrder []string, targetStep string) (bool, error) {
	_, found, err := s.LastCommittedBefore(runIDs, stepOrder, targetStep)
	return found, err
}
