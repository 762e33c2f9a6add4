package wire

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

func Test_Encode_OneMessagePerLine(t *testing.T) {
	b, err := Encode(NewPing())
	if err != nil {
		t.Fatalf("Expected no error encoding ping, got %v", err)
	}
	if !strings.HasSuffix(string(b), "\n") {
		t.Errorf("Expected trailing newline, got %q", string(b))
	}
	if strings.Count(string(b), "\n") != 1 {
		t.Errorf("Expected exactly one newline, got %q", string(b))
	}
}

func Test_DecodeLine_JobUpdate(t *testing.T) {
	line := `{"type":"job_update","job_id":"job-1","status":2,"multipv":1,"depth":18,"seldepth":24,"score_cp":0,"nodes":123456,"nps":480000,"pv":"e2e4 e7e5"}`
	env, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	if env.Type != TypeJobUpdate || env.JobId != "job-1" {
		t.Fatalf("Expected job_update for job-1, got %s", spew.Sdump(env))
	}
	if env.ScoreCp == nil || *env.ScoreCp != 0 {
		t.Errorf("Expected score_cp 0 to survive as present, got %s", spew.Sdump(env.ScoreCp))
	}
	if env.ScoreMate != nil {
		t.Errorf("Expected absent score_mate to stay nil, got %d", *env.ScoreMate)
	}
	if UpdateJobStatus(env) != domain.Running {
		t.Errorf("Expected status Running, got %v", UpdateJobStatus(env))
	}
}

func Test_DecodeLine_InfersServerStatus(t *testing.T) {
	// Legacy senders omit the type field and use the short key spellings.
	line := `{"status":1,"running":2,"max":4,"threads":8}`
	env, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	if env.Type != TypeServerStatus {
		t.Fatalf("Expected inferred server_status, got %q", env.Type)
	}
	report := ReportFromEnvelope(env)
	expected := ServerReport{Status: domain.ServerOnline, RunningJobs: 2, MaxJobs: 4, Threads: 8}
	if report != expected {
		t.Errorf("Expected %v, got %v", expected, report)
	}
}

func Test_DecodeLine_InferenceLeavesUnknownShapesUntyped(t *testing.T) {
	env, err := DecodeLine([]byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	if env.Type != "" {
		t.Errorf("Expected no inferred type, got %q", env.Type)
	}
}

func Test_ReportFromEnvelope_Defaults(t *testing.T) {
	env, err := DecodeLine([]byte(`{"type":"server_status","running_jobs":1,"max_jobs":2}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	report := ReportFromEnvelope(env)
	if report.Status != domain.ServerOnline {
		t.Errorf("Expected absent status to default to Online, got %v", report.Status)
	}
	if report.RunningJobs != 1 || report.MaxJobs != 2 {
		t.Errorf("Expected running 1 max 2, got %v", report)
	}
}

func Test_UpdateJobStatus_OutOfRangeFallsBack(t *testing.T) {
	status := 99
	env := Envelope{Type: TypeJobUpdate, JobId: "job-1", Status: &status}
	if UpdateJobStatus(env) != domain.Running {
		t.Errorf("Expected out of range status to fall back to Running, got %v", UpdateJobStatus(env))
	}
	if UpdateJobStatus(Envelope{Type: TypeJobUpdate, JobId: "job-1"}) != domain.Running {
		t.Errorf("Expected absent status to default to Running")
	}
}

func Test_SnapshotFromUpdate_IgnoresNonEvalTraffic(t *testing.T) {
	// Engine bookkeeping lines carry depth and node counts but no score or
	// pv.  They must not pollute the snapshot.
	env, err := DecodeLine([]byte(`{"type":"job_update","job_id":"job-1","depth":12,"nodes":5000,"log_line":"info depth 12 currmove e2e4"}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	snap, logLine := SnapshotFromUpdate(env)
	if !reflect.DeepEqual(snap, domain.JobSnapshot{}) {
		t.Errorf("Expected empty snapshot for non eval update, got %s", spew.Sdump(snap))
	}
	if logLine != "info depth 12 currmove e2e4" {
		t.Errorf("Expected log line to pass through, got %q", logLine)
	}
}

func Test_SnapshotFromUpdate_ScoreZeroCountsAsEval(t *testing.T) {
	env, err := DecodeLine([]byte(`{"type":"job_update","job_id":"job-1","depth":10,"score_cp":0,"nodes":1000}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	snap, _ := SnapshotFromUpdate(env)
	if snap.Depth != 10 || snap.Score != domain.CpScore(0) {
		t.Errorf("Expected depth 10 with cp 0 score, got %s", spew.Sdump(snap))
	}
	if len(snap.Lines) != 1 || snap.Lines[0].MultiPv != 1 {
		t.Errorf("Expected one rank 1 line, got %s", spew.Sdump(snap.Lines))
	}
}

func Test_SnapshotFromUpdate_BestMoveTakenRegardless(t *testing.T) {
	env, err := DecodeLine([]byte(`{"type":"job_update","job_id":"job-1","status":3,"bestmove":"e2e4"}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	snap, _ := SnapshotFromUpdate(env)
	if snap.BestMove != "e2e4" {
		t.Errorf("Expected bestmove e2e4 without an eval, got %s", spew.Sdump(snap))
	}
	if len(snap.Lines) != 0 {
		t.Errorf("Expected no lines without an eval, got %s", spew.Sdump(snap.Lines))
	}
}

func Test_SnapshotFromUpdate_SecondaryLineSkipsTopLevel(t *testing.T) {
	env, err := DecodeLine([]byte(`{"type":"job_update","job_id":"job-1","multipv":2,"depth":15,"score_cp":-40,"pv":"d2d4 d7d5"}`))
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	snap, _ := SnapshotFromUpdate(env)
	if snap.Depth != 0 || snap.Pv != "" || snap.Score.Type != domain.ScoreNone {
		t.Errorf("Expected rank 2 line to leave the top level alone, got %s", spew.Sdump(snap))
	}
	expected := domain.PvLine{MultiPv: 2, Depth: 15, Score: domain.CpScore(-40), Pv: "d2d4 d7d5"}
	if len(snap.Lines) != 1 || snap.Lines[0] != expected {
		t.Errorf("Expected %v, got %s", expected, spew.Sdump(snap.Lines))
	}
}

func Test_JobFromItem_Defaults(t *testing.T) {
	if _, ok := JobFromItem(JobItem{}, "srv1"); ok {
		t.Errorf("Expected item without id to be rejected")
	}

	job, ok := JobFromItem(JobItem{Id: "job-1"}, "srv1")
	if !ok {
		t.Fatalf("Expected minimal item to convert")
	}
	if job.Status != domain.Pending {
		t.Errorf("Expected default status Pending, got %v", job.Status)
	}
	if job.Def.MultiPv != 1 {
		t.Errorf("Expected default multipv 1, got %d", job.Def.MultiPv)
	}
	if job.Def.Limit.Type != domain.LimitDepth || job.Def.Limit.Value != 0 {
		t.Errorf("Expected default depth limit, got %v", job.Def.Limit)
	}
	if job.AssignedServer != "srv1" {
		t.Errorf("Expected assignment to srv1, got %q", job.AssignedServer)
	}
	if !job.CreatedAt.IsZero() || !job.StartedAt.IsZero() {
		t.Errorf("Expected absent timestamps to stay zero, got %s", spew.Sdump(job))
	}
}

func Test_JobFromItem_LinesAcceptedAtEitherLevel(t *testing.T) {
	nested := JobItem{
		Id: "job-1",
		Snapshot: &SnapshotJSON{
			Depth: 20,
			Lines: []PvLineJSON{{MultiPv: 1, Depth: 20, Pv: "e2e4"}},
		},
	}
	job, _ := JobFromItem(nested, "srv1")
	if len(job.Snapshot.Lines) != 1 || job.Snapshot.Lines[0].Pv != "e2e4" {
		t.Errorf("Expected nested lines to parse, got %s", spew.Sdump(job.Snapshot))
	}

	topLevel := JobItem{
		Id:       "job-2",
		Snapshot: &SnapshotJSON{Depth: 20, Lines: []PvLineJSON{{MultiPv: 1, Pv: "old"}}},
		Lines:    []PvLineJSON{{MultiPv: 0, Depth: 21, Pv: "g1f3"}},
	}
	job, _ = JobFromItem(topLevel, "srv1")
	if len(job.Snapshot.Lines) != 1 || job.Snapshot.Lines[0].Pv != "g1f3" {
		t.Errorf("Expected top level lines to win, got %s", spew.Sdump(job.Snapshot))
	}
	if job.Snapshot.Lines[0].MultiPv != 1 {
		t.Errorf("Expected rank 0 to normalize to 1, got %d", job.Snapshot.Lines[0].MultiPv)
	}
	if job.Snapshot.Depth != 20 {
		t.Errorf("Expected nested snapshot fields to survive, got %d", job.Snapshot.Depth)
	}
}

func Test_JobFromItem_LogTailSkipsEmptyLines(t *testing.T) {
	job, _ := JobFromItem(JobItem{Id: "job-1", LogTail: []string{"a", "", "b"}}, "srv1")
	if !reflect.DeepEqual(job.LogLines, []string{"a", "b"}) {
		t.Errorf("Expected empty log lines dropped, got %v", job.LogLines)
	}
}

func Test_ItemFromJob_RoundTrip(t *testing.T) {
	started := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	job := domain.Job{
		Id: "job-1",
		Def: domain.JobDefinition{
			Opponent: "carlsen",
			Fen:      "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
			Limit:    domain.DepthLimit(25),
			MultiPv:  2,
		},
		Status:         domain.Running,
		AssignedServer: "srv1",
		CreatedAt:      started.Add(-time.Minute),
		StartedAt:      started,
		Snapshot: domain.JobSnapshot{
			Depth: 18,
			Score: domain.CpScore(35),
			Pv:    "e2e4",
			Lines: []domain.PvLine{{MultiPv: 1, Depth: 18, Score: domain.CpScore(35), Pv: "e2e4"}},
		},
		LogLines: []string{"l1", "l2", "l3"},
	}

	item := ItemFromJob(job, 2)
	if item.StartedAtMs == nil || item.FinishedAtMs != nil {
		t.Fatalf("Expected started set and finished null, got %s", spew.Sdump(item))
	}
	if !reflect.DeepEqual(item.LogTail, []string{"l2", "l3"}) {
		t.Errorf("Expected log tail capped to last 2, got %v", item.LogTail)
	}

	back, ok := JobFromItem(item, "srv1")
	if !ok {
		t.Fatalf("Expected round trip to convert")
	}
	if back.Def != job.Def {
		t.Errorf("Expected definition to round trip, got %s", spew.Sdump(back.Def))
	}
	if back.Status != job.Status || !back.StartedAt.Equal(job.StartedAt) {
		t.Errorf("Expected status and start time to round trip, got %s", spew.Sdump(back))
	}
	if !reflect.DeepEqual(back.Snapshot, job.Snapshot) {
		t.Errorf("Expected snapshot to round trip, got %s", spew.Sdump(back.Snapshot))
	}
}
