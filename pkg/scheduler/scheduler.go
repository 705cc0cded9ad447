package scheduler

import (
	"sync"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/kanban"
)

// WorkerRef names an existing worker by task id and directory, used for the
// priority-pool scans (needs_fix / needs_resolve / needs_merge) which
// operate over workers the scheduler didn't itself just spawn.
type WorkerRef struct {
	TaskID    string
	WorkerDir string
	BatchID   string // non-empty if part of a conflict batch
}

// MergeOutcome is the result of one merge attempt (§4.11).
type MergeOutcome struct {
	Merged         bool
	ConflictFiles  []string
	FailureMessage string
}

// Hooks are the side-effecting operations the scheduler drives but does not
// itself implement — spawning processes, touching the lifecycle engine, and
// talking to the merge coordinator (§4.10, §4.11). Every Go field the
// scheduler needs from the surrounding orchestrator is injected here so
// this package stays testable without real subprocesses or a real GitHub
// client.
type Hooks struct {
	// SpawnMain starts a main pipeline worker for task and returns its PID
	// and worker directory.
	SpawnMain func(task kanban.Task) (pid int, workerDir string, err error)

	// TouchedFiles returns the file set a task is likely to touch (from its
	// plan or a prior diff), used for file-conflict deferral.
	TouchedFiles func(taskID string) ([]string, error)

	// ListNeedsFix / ListNeedsResolve / ListNeedsMerge enumerate existing
	// workers currently in the matching waiting state.
	ListNeedsFix    func() ([]WorkerRef, error)
	ListNeedsResolve func() ([]WorkerRef, error)
	ListNeedsMerge  func() ([]WorkerRef, error)

	SpawnFix     func(ref WorkerRef) (pid int, err error)
	SpawnResolve func(ref WorkerRef, batch *ConflictBatch) (pid int, err error)

	AttemptMerge func(ref WorkerRef) (MergeOutcome, error)

	// OnMainSpawned / OnMergeConflict / OnMerged / OnMergeFailed let the
	// caller drive lifecycle-engine events and kanban updates without the
	// scheduler importing those packages directly.
	OnMainSpawned   func(task kanban.Task, workerDir string)
	OnMergeConflict func(ref WorkerRef, files []string)
	OnMerged        func(ref WorkerRef)
	OnMergeFailed   func(ref WorkerRef, attempt int, exhausted bool)

	IsAlive IsAlive
}

// Config bounds capacity and tuning for one Scheduler.
type Config struct {
	MaxWorkers        int
	FixResolveLimit   int
	KillCheckInterval time.Duration
	WorkerTimeout     time.Duration
	MaxMergeAttempts  int
	Weights           PriorityWeights
}

// Scheduler drives one tick of the main loop (§4.10).
type Scheduler struct {
	cfg    Config
	hooks  Hooks
	kanban *kanban.Store
	queue  *Queue

	main    *Pool
	fix     *Pool
	resolve *Pool

	mu           sync.Mutex
	itersWaiting map[string]int
	mergeAttempts map[string]int
}

// New builds a Scheduler. queue may be nil if conflict-batch coordination
// is not needed by the caller (tests mostly).
func New(kanbanStore *kanban.Store, queue *Queue, cfg Config, hooks Hooks) *Scheduler {
	if queue == nil {
		queue = NewQueue("")
	}
	return &Scheduler{
		cfg:           cfg,
		hooks:         hooks,
		kanban:        kanbanStore,
		queue:         queue,
		main:          NewPool("main", cfg.MaxWorkers),
		fix:           NewPool("fix", 0),
		resolve:       NewPool("resolve", 0),
		itersWaiting:  make(map[string]int),
		mergeAttempts: make(map[string]int),
	}
}

// Main/Fix/Resolve expose the pools read-only, for status display.
func (s *Scheduler) MainPool() *Pool    { return s.main }
func (s *Scheduler) FixPool() *Pool     { return s.fix }
func (s *Scheduler) ResolvePool() *Pool { return s.resolve }

func (s *Scheduler) fixResolveCount() int {
	return s.fix.Count() + s.resolve.Count()
}

func (s *Scheduler) fixResolveHasCapacity(n int) bool {
	if s.cfg.FixResolveLimit <= 0 {
		return true
	}
	return s.fixResolveCount()+n <= s.cfg.FixResolveLimit
}

// Tick runs one scheduling iteration (§4.10 steps 2-6; step 1's external
// event ingestion and step 7's status display are the caller's concern —
// the former is a file format the spec leaves to the orchestrator, the
// latter is pure I/O).
func (s *Scheduler) Tick(now time.Time) error {
	s.reapPools(now)

	if err := s.scheduleMain(); err != nil {
		return err
	}
	if err := s.processNeedsFix(); err != nil {
		return err
	}
	if err := s.processNeedsResolve(); err != nil {
		return err
	}
	s.coordinateConflicts()
	if err := s.processMerges(); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) reapPools(now time.Time) {
	alive := s.hooks.IsAlive
	if alive == nil {
		alive = func(int) bool { return false }
	}
	noop := func(Member) {}
	s.main.ReapFinished(now, s.cfg.KillCheckInterval, s.cfg.WorkerTimeout, alive, noop, noop)
	s.fix.ReapFinished(now, s.cfg.KillCheckInterval, s.cfg.WorkerTimeout, alive, noop, noop)
	s.resolve.ReapFinished(now, s.cfg.KillCheckInterval, s.cfg.WorkerTimeout, alive, noop, noop)
}

// scheduleMain implements §4.10 step 3: pick ready tasks by effective
// priority, defer file conflicts against active main workers, spawn up to
// free capacity, and age everything else.
func (s *Scheduler) scheduleMain() error {
	free := s.main.Limit - s.main.Count()
	if s.main.Limit <= 0 {
		free = 1 << 30
	}

	tasks, err := s.kanban.GetReadyTasks(true)
	if err != nil {
		return err
	}

	depths := make(map[string]int, len(tasks))
	plans := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		d, derr := s.kanban.GetDependencyDepth(t.ID)
		if derr == nil {
			depths[t.ID] = d
		}
		plans[t.ID] = s.kanban.HasPlan(t.ID)
	}

	s.mu.Lock()
	itersSnapshot := make(map[string]int, len(s.itersWaiting))
	for k, v := range s.itersWaiting {
		itersSnapshot[k] = v
	}
	s.mu.Unlock()

	candidates := ScoreCandidates(tasks, itersSnapshot, plans, depths, s.cfg.Weights)

	active := s.main.Members()
	activeFiles := make([][]string, 0, len(active))
	if s.hooks.TouchedFiles != nil {
		for _, m := range active {
			files, _ := s.hooks.TouchedFiles(m.TaskID)
			activeFiles = append(activeFiles, files)
		}
	}

	spawned := make(map[string]bool)
	for _, c := range candidates {
		if free <= 0 {
			break
		}
		if s.main.Has(c.Task.ID) {
			continue
		}

		var myFiles []string
		if s.hooks.TouchedFiles != nil {
			myFiles, _ = s.hooks.TouchedFiles(c.Task.ID)
		}
		conflicted := false
		for _, af := range activeFiles {
			if filesOverlap(myFiles, af) {
				conflicted = true
				break
			}
		}
		if conflicted {
			continue
		}

		if s.hooks.SpawnMain == nil {
			continue
		}
		pid, workerDir, err := s.hooks.SpawnMain(c.Task)
		if err != nil {
			continue
		}
		s.main.Add(Member{TaskID: c.Task.ID, WorkerDir: workerDir, PID: pid, StartedAt: time.Now().UTC()})
		spawned[c.Task.ID] = true
		free--
		if myFiles != nil {
			activeFiles = append(activeFiles, myFiles)
		}
		if s.hooks.OnMainSpawned != nil {
			s.hooks.OnMainSpawned(c.Task, workerDir)
		}
	}

	s.ageTasks(tasks, spawned)
	return nil
}

// ageTasks bumps iters_waiting for every ready task that was not spawned
// this tick, and resets it for tasks that were spawned or are no longer
// ready (§4.10: "Aging").
func (s *Scheduler) ageTasks(ready []kanban.Task, spawned map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stillReady := make(map[string]bool, len(ready))
	for _, t := range ready {
		stillReady[t.ID] = true
		if spawned[t.ID] {
			delete(s.itersWaiting, t.ID)
			continue
		}
		s.itersWaiting[t.ID]++
	}
	for id := range s.itersWaiting {
		if !stillReady[id] {
			delete(s.itersWaiting, id)
		}
	}
}

// processNeedsFix implements §4.10 step 4's fix-pool half.
func (s *Scheduler) processNeedsFix() error {
	if s.hooks.ListNeedsFix == nil || s.hooks.SpawnFix == nil {
		return nil
	}
	refs, err := s.hooks.ListNeedsFix()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if s.fix.Has(ref.TaskID) || !s.fixResolveHasCapacity(1) {
			continue
		}
		pid, err := s.hooks.SpawnFix(ref)
		if err != nil {
			continue
		}
		s.fix.Add(Member{TaskID: ref.TaskID, WorkerDir: ref.WorkerDir, PID: pid, StartedAt: time.Now().UTC()})
	}
	return nil
}

// processNeedsResolve implements §4.10 step 4's resolve-pool half: workers
// with a batch context use the multi-PR resolve pipeline (the batch is
// looked up from the conflict queue); others use the simple resolve
// pipeline (batch argument nil).
func (s *Scheduler) processNeedsResolve() error {
	if s.hooks.ListNeedsResolve == nil || s.hooks.SpawnResolve == nil {
		return nil
	}
	refs, err := s.hooks.ListNeedsResolve()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if s.resolve.Has(ref.TaskID) || !s.fixResolveHasCapacity(1) {
			continue
		}
		var batch *ConflictBatch
		if ref.BatchID != "" {
			batch = s.queue.Batches[ref.BatchID]
			if batch != nil && batch.ActiveMember() != ref.TaskID {
				continue // not this member's turn yet
			}
		}
		pid, err := s.hooks.SpawnResolve(ref, batch)
		if err != nil {
			continue
		}
		s.resolve.Add(Member{TaskID: ref.TaskID, WorkerDir: ref.WorkerDir, PID: pid, StartedAt: time.Now().UTC()})
	}
	return nil
}

// coordinateConflicts implements §4.10 step 5: group overlapping pending
// conflict entries into batches.
func (s *Scheduler) coordinateConflicts() []*ConflictBatch {
	return s.queue.GroupPending()
}

// AddConflict registers taskID's affected files on the conflict queue,
// called after a merge conflict (§4.10 step 6).
func (s *Scheduler) AddConflict(taskID string, files []string) {
	s.queue.AddPending(taskID, files)
}

// AdvanceBatch releases the next position in batchID after the active
// member publishes a successful resolution (§4.10 step 5).
func (s *Scheduler) AdvanceBatch(batchID string) {
	if b := s.queue.Batches[batchID]; b != nil {
		b.Advance()
	}
}

// processMerges implements §4.10 step 6.
func (s *Scheduler) processMerges() error {
	if s.hooks.ListNeedsMerge == nil || s.hooks.AttemptMerge == nil {
		return nil
	}
	refs, err := s.hooks.ListNeedsMerge()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		outcome, err := s.hooks.AttemptMerge(ref)
		if err != nil {
			s.recordMergeFailure(ref, err.Error())
			continue
		}
		switch {
		case outcome.Merged:
			delete(s.mergeAttempts, ref.TaskID)
			if s.hooks.OnMerged != nil {
				s.hooks.OnMerged(ref)
			}
		case len(outcome.ConflictFiles) > 0:
			s.AddConflict(ref.TaskID, outcome.ConflictFiles)
			if s.hooks.OnMergeConflict != nil {
				s.hooks.OnMergeConflict(ref, outcome.ConflictFiles)
			}
		default:
			s.recordMergeFailure(ref, outcome.FailureMessage)
		}
	}
	return nil
}

func (s *Scheduler) recordMergeFailure(ref WorkerRef, _ string) {
	s.mu.Lock()
	s.mergeAttempts[ref.TaskID]++
	attempt := s.mergeAttempts[ref.TaskID]
	s.mu.Unlock()

	exhausted := s.cfg.MaxMergeAttempts > 0 && attempt >= s.cfg.MaxMergeAttempts
	if s.hooks.OnMergeFailed != nil {
		s.hooks.OnMergeFailed(ref, attempt, exhausted)
	}
}
