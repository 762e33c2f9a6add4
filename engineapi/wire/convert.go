package wire

import (
	"sort"
	"time"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

// JobStatusFromInt bridges a wire status int to the domain enum, falling
// back when the value is out of range.
func JobStatusFromInt(v int, fallback domain.JobStatus) domain.JobStatus {
	s := domain.JobStatus(v)
	if !s.IsValid() {
		return fallback
	}
	return s
}

// ServerStatusFromInt bridges a wire server status int to the domain enum.
func ServerStatusFromInt(v int, fallback domain.ServerStatus) domain.ServerStatus {
	s := domain.ServerStatus(v)
	if !s.IsValid() {
		return fallback
	}
	return s
}

// LimitTypeFromInt bridges a wire limit type int, defaulting to depth.
func LimitTypeFromInt(v int) domain.LimitType {
	t := domain.LimitType(v)
	switch t {
	case domain.LimitDepth, domain.LimitTimeMs, domain.LimitNodes:
		return t
	}
	return domain.LimitDepth
}

// UpdateJobStatus extracts the job status of a job_update envelope.  An
// absent status means the job is still running.
func UpdateJobStatus(env Envelope) domain.JobStatus {
	if env.Status == nil {
		return domain.Running
	}
	return JobStatusFromInt(*env.Status, domain.Running)
}

// ServerReport is a normalized server_status message.
type ServerReport struct {
	Status       domain.ServerStatus
	RunningJobs  int
	MaxJobs      int
	Threads      int
	LogicalCores int
}

// ReportFromEnvelope normalizes a server_status envelope, resolving the
// legacy running/max key spellings.  An absent status means online.
func ReportFromEnvelope(env Envelope) ServerReport {
	report := ServerReport{Status: domain.ServerOnline}
	if env.Status != nil {
		report.Status = ServerStatusFromInt(*env.Status, domain.ServerOnline)
	}
	if env.RunningJobs != nil {
		report.RunningJobs = *env.RunningJobs
	} else if env.Running != nil {
		report.RunningJobs = *env.Running
	}
	if env.MaxJobs != nil {
		report.MaxJobs = *env.MaxJobs
	} else if env.Max != nil {
		report.MaxJobs = *env.Max
	}
	if env.Threads != nil {
		report.Threads = *env.Threads
	}
	if env.LogicalCores != nil {
		report.LogicalCores = *env.LogicalCores
	}
	return report
}

func scoreFromJSON(cp, mate *int) domain.Score {
	if cp != nil {
		return domain.CpScore(*cp)
	}
	if mate != nil {
		return domain.MateScore(*mate)
	}
	return domain.Score{}
}

func scoreToJSON(s domain.Score) (cp, mate *int) {
	switch s.Type {
	case domain.ScoreCp:
		v := s.Value
		cp = &v
	case domain.ScoreMate:
		v := s.Value
		mate = &v
	}
	return cp, mate
}

// SnapshotFromUpdate converts a job_update envelope into a snapshot delta
// suitable for merging.  Progress fields are only trusted when the update
// carries an evaluation (a score key or a non-empty pv), which filters out
// engine bookkeeping lines such as currmove traffic.  A bestmove is taken
// regardless.  The second return is the update's log line, "" when absent.
func SnapshotFromUpdate(env Envelope) (domain.JobSnapshot, string) {
	snap := domain.JobSnapshot{}

	hasScore := env.ScoreCp != nil || env.ScoreMate != nil
	hasPv := env.Pv != nil && *env.Pv != ""
	if hasScore || hasPv {
		rank := 1
		if env.MultiPv != nil {
			rank = *env.MultiPv
		}
		line := domain.PvLine{MultiPv: rank, Score: scoreFromJSON(env.ScoreCp, env.ScoreMate)}
		if env.Depth != nil {
			line.Depth = *env.Depth
		}
		if env.SelDepth != nil {
			line.SelDepth = *env.SelDepth
		}
		if env.Nodes != nil {
			line.Nodes = *env.Nodes
		}
		if env.Nps != nil {
			line.Nps = *env.Nps
		}
		if hasPv {
			line.Pv = *env.Pv
		}
		if rank == 1 {
			snap.Depth = line.Depth
			snap.SelDepth = line.SelDepth
			snap.Score = line.Score
			snap.Nodes = line.Nodes
			snap.Nps = line.Nps
			snap.Pv = line.Pv
		}
		snap.Lines = []domain.PvLine{line}
	}

	if env.BestMove != nil {
		snap.BestMove = *env.BestMove
	}

	logLine := ""
	if env.LogLine != nil {
		logLine = *env.LogLine
	}
	return snap, logLine
}

// PvLineFromJSON converts one wire line to its domain form.
func PvLineFromJSON(l PvLineJSON) domain.PvLine {
	return domain.PvLine{
		MultiPv:  l.MultiPv,
		Depth:    l.Depth,
		SelDepth: l.SelDepth,
		Score:    scoreFromJSON(l.ScoreCp, l.ScoreMate),
		Nodes:    l.Nodes,
		Nps:      l.Nps,
		Pv:       l.Pv,
	}
}

func PvLineToJSON(l domain.PvLine) PvLineJSON {
	cp, mate := scoreToJSON(l.Score)
	return PvLineJSON{
		MultiPv:   l.MultiPv,
		Depth:     l.Depth,
		SelDepth:  l.SelDepth,
		ScoreCp:   cp,
		ScoreMate: mate,
		Nodes:     l.Nodes,
		Nps:       l.Nps,
		Pv:        l.Pv,
	}
}

func pvLinesFromJSON(in []PvLineJSON) []domain.PvLine {
	if len(in) == 0 {
		return nil
	}
	lines := make([]domain.PvLine, 0, len(in))
	for _, l := range in {
		line := PvLineFromJSON(l)
		if line.MultiPv < 1 {
			line.MultiPv = 1
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].MultiPv < lines[j].MultiPv })
	return lines
}

func pvLinesToJSON(in []domain.PvLine) []PvLineJSON {
	if len(in) == 0 {
		return nil
	}
	lines := make([]PvLineJSON, 0, len(in))
	for _, l := range in {
		lines = append(lines, PvLineToJSON(l))
	}
	return lines
}

// SnapshotFromJSON converts a wire snapshot to its domain form.
func SnapshotFromJSON(s SnapshotJSON) domain.JobSnapshot {
	return domain.JobSnapshot{
		Depth:    s.Depth,
		SelDepth: s.SelDepth,
		Score:    scoreFromJSON(s.ScoreCp, s.ScoreMate),
		Nodes:    s.Nodes,
		Nps:      s.Nps,
		BestMove: s.BestMove,
		Pv:       s.Pv,
		Lines:    pvLinesFromJSON(s.Lines),
	}
}

// SnapshotToJSON converts a snapshot to its wire form, lines nested.
// Emitters that also put lines at the item top level stay readable by
// older clients that only look inside the snapshot.
func SnapshotToJSON(snap domain.JobSnapshot) SnapshotJSON {
	cp, mate := scoreToJSON(snap.Score)
	out := SnapshotJSON{
		Depth:     snap.Depth,
		SelDepth:  snap.SelDepth,
		ScoreCp:   cp,
		ScoreMate: mate,
		Nodes:     snap.Nodes,
		Nps:       snap.Nps,
		BestMove:  snap.BestMove,
		Pv:        snap.Pv,
		Lines:     pvLinesToJSON(snap.Lines),
	}
	if len(snap.Lines) > 0 {
		out.MultiPv = 1
	}
	return out
}

// JobFromItem converts a jobs_list or job_state item into a domain job
// assigned to serverId.  Returns false when the item has no id.  Missing
// fields take the protocol defaults: multipv 1, status pending, depth
// limit.  Lines are accepted both nested in the snapshot and at the item
// top level, the top level winning when both are present.
func JobFromItem(item JobItem, serverId string) (domain.Job, bool) {
	if item.Id == "" {
		return domain.Job{}, false
	}

	multiPv := item.MultiPv
	if multiPv < 1 {
		multiPv = 1
	}

	job := domain.Job{
		Id: item.Id,
		Def: domain.JobDefinition{
			Opponent: item.Opponent,
			Fen:      item.Fen,
			Limit: domain.SearchLimit{
				Type:  LimitTypeFromInt(item.LimitType),
				Value: item.LimitValue,
			},
			MultiPv: multiPv,
		},
		Status:         JobStatusFromInt(item.Status, domain.Pending),
		AssignedServer: serverId,
	}

	if item.CreatedAtMs > 0 {
		job.CreatedAt = fromMs(item.CreatedAtMs)
	}
	if item.StartedAtMs != nil && *item.StartedAtMs > 0 {
		job.StartedAt = fromMs(*item.StartedAtMs)
	}
	if item.FinishedAtMs != nil && *item.FinishedAtMs > 0 {
		job.FinishedAt = fromMs(*item.FinishedAtMs)
	}
	if item.LastUpdateMs > 0 {
		job.LastUpdateAt = fromMs(item.LastUpdateMs)
	}

	if item.Snapshot != nil {
		job.Snapshot = SnapshotFromJSON(*item.Snapshot)
	}
	if len(item.Lines) > 0 {
		job.Snapshot.Lines = pvLinesFromJSON(item.Lines)
	}

	for _, line := range item.LogTail {
		if line != "" {
			job.LogLines = append(job.LogLines, line)
		}
	}

	return job, true
}

// ItemFromJob converts a domain job back to its wire item form.  Lines go
// at the item top level, the shape current servers emit.  The log tail is
// capped at logTailLimit lines, unlimited when <= 0.
func ItemFromJob(job domain.Job, logTailLimit int) JobItem {
	snapshot := SnapshotToJSON(job.Snapshot)
	item := JobItem{
		Id:         job.Id,
		Opponent:   job.Def.Opponent,
		Fen:        job.Def.Fen,
		LimitType:  int(job.Def.Limit.Type),
		LimitValue: job.Def.Limit.Value,
		MultiPv:    job.Def.MultiPv,
		Status:     int(job.Status),
		Snapshot:   &snapshot,
		Lines:      pvLinesToJSON(job.Snapshot.Lines),
	}
	if !job.CreatedAt.IsZero() {
		item.CreatedAtMs = toMs(job.CreatedAt)
	}
	if !job.StartedAt.IsZero() {
		ms := toMs(job.StartedAt)
		item.StartedAtMs = &ms
	}
	if !job.FinishedAt.IsZero() {
		ms := toMs(job.FinishedAt)
		item.FinishedAtMs = &ms
	}
	if !job.LastUpdateAt.IsZero() {
		item.LastUpdateMs = toMs(job.LastUpdateAt)
	}

	logs := job.LogLines
	if logTailLimit > 0 && len(logs) > logTailLimit {
		logs = logs[len(logs)-logTailLimit:]
	}
	if len(logs) > 0 {
		item.LogTail = append([]string{}, logs...)
	}
	return item
}

// SpecFromJob builds the submit payload for a job.
func SpecFromJob(job domain.Job) JobSpec {
	return JobSpec{
		Id:         job.Id,
		Opponent:   job.Def.Opponent,
		Fen:        job.Def.Fen,
		LimitType:  int(job.Def.Limit.Type),
		LimitValue: job.Def.Limit.Value,
		MultiPv:    job.Def.MultiPv,
	}
}

func fromMs(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func toMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
