package kanban

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBoard = `# Kanban

- [ ] **[TASK-001]** Add widget factory
  Description: build the widget factory
  Priority: 50
  Dependencies: none

- [ ] **[TASK-002]** Wire widget factory into service
  Description: consume the factory
  Priority: 80
  Dependencies: TASK-001

- [x] **[TASK-003]** Already merged
  Description: done
  Priority: 10
  Dependencies: none
`

func writeBoard(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kanban.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestGetAllTasks(t *testing.T) {
	s := New(writeBoard(t, sampleBoard), "")
	tasks, err := s.GetAllTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "TASK-001", tasks[0].ID)
	require.Equal(t, StatusPending, tasks[0].Status)
	require.Equal(t, 50, tasks[0].Priority)
	require.Nil(t, tasks[0].Deps)
	require.Equal(t, []string{"TASK-001"}, tasks[1].Deps)
	require.Equal(t, StatusDone, tasks[2].Status)
}

func TestGetReadyTasks_DepsGate(t *testing.T) {
	s := New(writeBoard(t, sampleBoard), "")
	ready, err := s.GetReadyTasks(true)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "TASK-001", ready[0].ID)
}

func TestGetReadyTasks_AfterDepDone(t *testing.T) {
	board := `- [x] **[TASK-001]** done
  Dependencies: none

- [ ] **[TASK-002]** now ready
  Dependencies: TASK-001
`
	s := New(writeBoard(t, board), "")
	ready, err := s.GetReadyTasks(true)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "TASK-002", ready[0].ID)
}

func TestGetReadyTasks_ExcludesCycles(t *testing.T) {
	board := `- [ ] **[TASK-A]** cycles with B
  Dependencies: TASK-B

- [ ] **[TASK-B]** cycles with A
  Dependencies: TASK-A

- [ ] **[TASK-C]** independent
  Dependencies: none
`
	s := New(writeBoard(t, board), "")
	ready, err := s.GetReadyTasks(true)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "TASK-C", ready[0].ID)
}

func TestGetReadyTasks_ExcludesSelfDependency(t *testing.T) {
	board := `- [ ] **[TASK-A]** depends on itself
  Dependencies: TASK-A
`
	s := New(writeBoard(t, board), "")
	ready, err := s.GetReadyTasks(true)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestSetStatus_PreservesOtherContent(t *testing.T) {
	path := writeBoard(t, sampleBoard)
	s := New(path, "")
	require.NoError(t, s.SetStatus("TASK-001", StatusDone))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "- [x] **[TASK-001]** Add widget factory")
	require.Contains(t, string(data), "- [ ] **[TASK-002]** Wire widget factory into service")
}

func TestSetStatus_UnknownTaskFails(t *testing.T) {
	s := New(writeBoard(t, sampleBoard), "")
	require.Error(t, s.SetStatus("TASK-999", StatusDone))
}

func TestGetDependencyDepth(t *testing.T) {
	board := `- [ ] **[A]** root
  Dependencies: none

- [ ] **[B]** depends on A
  Dependencies: A

- [ ] **[C]** depends on B
  Dependencies: B
`
	s := New(writeBoard(t, board), "")
	depth, err := s.GetDependencyDepth("C")
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	depth, err = s.GetDependencyDepth("A")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestHasPlan(t *testing.T) {
	dir := t.TempDir()
	plansDir := filepath.Join(dir, "plans")
	require.NoError(t, os.MkdirAll(plansDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plansDir, "TASK-001.md"), []byte("plan"), 0o644))

	path := filepath.Join(dir, "kanban.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleBoard), 0o644))

	s := New(path, plansDir)
	require.True(t, s.HasPlan("TASK-001"))
	require.False(t, s.HasPlan("TASK-002"))
}
