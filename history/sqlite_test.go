package history

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

func makeTestHistory(t *testing.T) (*sqliteJobHistory, string, func()) {
	dir, err := ioutil.TempDir("", "history-test")
	if err != nil {
		t.Fatalf("Expected temp dir, got error %v", err)
	}
	dbPath := filepath.Join(dir, "gambit.db")
	h, err := MakeSqliteJobHistory(dbPath)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Expected history to open, got %v", err)
	}
	return h, dbPath, func() {
		h.Close()
		os.RemoveAll(dir)
	}
}

func finishedJob(id string, createdAt time.Time) domain.Job {
	return domain.Job{
		Id: id,
		Def: domain.JobDefinition{
			Opponent: "kasparov",
			Fen:      "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
			Limit:    domain.DepthLimit(20),
			MultiPv:  2,
		},
		Status:         domain.Finished,
		AssignedServer: "srv1",
		CreatedAt:      createdAt,
		StartedAt:      createdAt.Add(time.Second),
		FinishedAt:     createdAt.Add(time.Minute),
		LastUpdateAt:   createdAt.Add(time.Minute),
		Snapshot: domain.JobSnapshot{
			Depth:    20,
			SelDepth: 28,
			Score:    domain.CpScore(15),
			Nodes:    1000000,
			Nps:      500000,
			BestMove: "e2e4",
			Pv:       "e2e4 e7e5",
			Lines: []domain.PvLine{
				{MultiPv: 1, Depth: 20, SelDepth: 28, Score: domain.CpScore(15), Nodes: 1000000, Nps: 500000, Pv: "e2e4 e7e5"},
				{MultiPv: 2, Depth: 19, Score: domain.CpScore(-5), Pv: "d2d4 d7d5"},
			},
		},
		LogLines: []string{"started", "bestmove e2e4"},
	}
}

func Test_SqliteHistory_SaveAndReload(t *testing.T) {
	h, dbPath, cleanup := makeTestHistory(t)
	defer cleanup()

	created := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	job := finishedJob("job-1", created)
	if err := h.SaveJob(job); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	// Reopen to prove the data survives the process, not just the cache.
	h.Close()
	h2, err := MakeSqliteJobHistory(dbPath)
	if err != nil {
		t.Fatalf("Expected reopen to succeed, got %v", err)
	}
	defer h2.Close()

	jobs, err := h2.LoadAllJobs()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %s", spew.Sdump(jobs))
	}

	got := jobs[0]
	if got.Id != job.Id || got.Status != job.Status || got.AssignedServer != job.AssignedServer {
		t.Errorf("Expected identity fields to survive, got %s", spew.Sdump(got))
	}
	if got.Def != job.Def {
		t.Errorf("Expected definition to survive, got %s", spew.Sdump(got.Def))
	}
	if !got.CreatedAt.Equal(job.CreatedAt) || !got.StartedAt.Equal(job.StartedAt) ||
		!got.FinishedAt.Equal(job.FinishedAt) {
		t.Errorf("Expected timestamps to survive, got %s", spew.Sdump(got))
	}
	if !reflect.DeepEqual(got.Snapshot, job.Snapshot) {
		t.Errorf("Expected snapshot to survive, got %s", spew.Sdump(got.Snapshot))
	}
	if !reflect.DeepEqual(got.LogLines, job.LogLines) {
		t.Errorf("Expected log lines to survive, got %v", got.LogLines)
	}
}

func Test_SqliteHistory_SaveIsAnUpsert(t *testing.T) {
	h, _, cleanup := makeTestHistory(t)
	defer cleanup()

	created := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	job := finishedJob("job-1", created)
	job.Status = domain.Error
	job.LogLines = []string{"transport failed"}
	if err := h.SaveJob(job); err != nil {
		t.Fatalf("Expected first save to succeed, got %v", err)
	}

	job.Status = domain.Finished
	job.LogLines = []string{"retried", "bestmove e2e4"}
	if err := h.SaveJob(job); err != nil {
		t.Fatalf("Expected second save to succeed, got %v", err)
	}

	jobs, err := h.LoadAllJobs()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected upsert to keep one row, got %s", spew.Sdump(jobs))
	}
	if jobs[0].Status != domain.Finished {
		t.Errorf("Expected updated status, got %v", jobs[0].Status)
	}
	if !reflect.DeepEqual(jobs[0].LogLines, []string{"retried", "bestmove e2e4"}) {
		t.Errorf("Expected logs rewritten, got %v", jobs[0].LogLines)
	}
}

func Test_SqliteHistory_LoadSkipsNonTerminalRows(t *testing.T) {
	h, _, cleanup := makeTestHistory(t)
	defer cleanup()

	created := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	running := finishedJob("job-live", created)
	running.Status = domain.Running
	if err := h.SaveJob(running); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}
	done := finishedJob("job-done", created.Add(time.Hour))
	if err := h.SaveJob(done); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	jobs, err := h.LoadAllJobs()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if len(jobs) != 1 || jobs[0].Id != "job-done" {
		t.Errorf("Expected only the terminal job back, got %s", spew.Sdump(jobs))
	}
}

func Test_SqliteHistory_OrdersByCreation(t *testing.T) {
	h, _, cleanup := makeTestHistory(t)
	defer cleanup()

	base := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, j := range []domain.Job{
		finishedJob("job-c", base.Add(2*time.Hour)),
		finishedJob("job-a", base),
		finishedJob("job-b", base.Add(time.Hour)),
	} {
		if err := h.SaveJob(j); err != nil {
			t.Fatalf("Expected save to succeed, got %v", err)
		}
	}

	jobs, err := h.LoadAllJobs()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	ids := []string{}
	for _, j := range jobs {
		ids = append(ids, j.Id)
	}
	if !reflect.DeepEqual(ids, []string{"job-a", "job-b", "job-c"}) {
		t.Errorf("Expected oldest first, got %v", ids)
	}
}
