// Package wire defines the newline-delimited JSON protocol spoken between
// the dispatcher and analysis servers.  One message per line, every message
// an object with a "type" field (legacy senders may omit it, see InferType).
package wire

import (
	"encoding/json"
)

const (
	// client -> server
	TypeJobSubmitOrUpdate = "job_submit_or_update"
	TypeJobCancel         = "job_cancel"
	TypeJobGet            = "job_get"
	TypeJobsList          = "jobs_list"
	TypePing              = "ping"

	// server -> client
	TypeJobUpdate    = "job_update"
	TypeServerStatus = "server_status"
	TypeJobState     = "job_state"
)

// JobSpec is the submit payload of a job_submit_or_update message.
type JobSpec struct {
	Id         string `json:"id"`
	Opponent   string `json:"opponent,omitempty"`
	Fen        string `json:"fen"`
	LimitType  int    `json:"limit_type"`
	LimitValue int    `json:"limit_value"`
	MultiPv    int    `json:"multipv"`
}

type JobSubmitOrUpdate struct {
	Type string  `json:"type"`
	Job  JobSpec `json:"job"`
}

func NewJobSubmitOrUpdate(spec JobSpec) JobSubmitOrUpdate {
	return JobSubmitOrUpdate{Type: TypeJobSubmitOrUpdate, Job: spec}
}

type JobCancel struct {
	Type  string `json:"type"`
	JobId string `json:"job_id"`
}

func NewJobCancel(jobId string) JobCancel {
	return JobCancel{Type: TypeJobCancel, JobId: jobId}
}

type JobGet struct {
	Type    string `json:"type"`
	JobId   string `json:"job_id"`
	LogTail int    `json:"log_tail,omitempty"`
}

func NewJobGet(jobId string) JobGet {
	return JobGet{Type: TypeJobGet, JobId: jobId}
}

type JobsListRequest struct {
	Type            string `json:"type"`
	IncludeFinished bool   `json:"include_finished"`
	Limit           int    `json:"limit"`
}

func NewJobsListRequest(includeFinished bool, limit int) JobsListRequest {
	return JobsListRequest{Type: TypeJobsList, IncludeFinished: includeFinished, Limit: limit}
}

type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping {
	return Ping{Type: TypePing}
}

// ServerStatus reports a server's availability and load.  Sent on client
// connect, in response to every ping, and after any scheduling change.
type ServerStatus struct {
	Type         string `json:"type"`
	ServerId     string `json:"server_id,omitempty"`
	Status       int    `json:"status"`
	RunningJobs  int    `json:"running_jobs"`
	MaxJobs      int    `json:"max_jobs"`
	Threads      int    `json:"threads,omitempty"`
	LogicalCores int    `json:"logical_cores,omitempty"`
}

// JobUpdate streams analysis progress for one job.  Only keys the engine
// actually reported are present; score_cp and score_mate use pointers
// because zero is a meaningful evaluation.
type JobUpdate struct {
	Type      string `json:"type"`
	JobId     string `json:"job_id"`
	Status    int    `json:"status"`
	MultiPv   int    `json:"multipv,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	SelDepth  int    `json:"seldepth,omitempty"`
	ScoreCp   *int   `json:"score_cp,omitempty"`
	ScoreMate *int   `json:"score_mate,omitempty"`
	Nodes     int64  `json:"nodes,omitempty"`
	Nps       int64  `json:"nps,omitempty"`
	BestMove  string `json:"bestmove,omitempty"`
	Pv        string `json:"pv,omitempty"`
	LogLine   string `json:"log_line,omitempty"`
}

type JobsListResponse struct {
	Type     string    `json:"type"`
	ServerId string    `json:"server_id,omitempty"`
	Jobs     []JobItem `json:"jobs"`
}

type JobStateResponse struct {
	Type     string   `json:"type"`
	ServerId string   `json:"server_id,omitempty"`
	Job      *JobItem `json:"job"`
}

// PvLineJSON is the wire form of one multipv line.
type PvLineJSON struct {
	MultiPv   int    `json:"multipv"`
	Depth     int    `json:"depth,omitempty"`
	SelDepth  int    `json:"seldepth,omitempty"`
	ScoreCp   *int   `json:"score_cp,omitempty"`
	ScoreMate *int   `json:"score_mate,omitempty"`
	Nodes     int64  `json:"nodes,omitempty"`
	Nps       int64  `json:"nps,omitempty"`
	Pv        string `json:"pv,omitempty"`
}

// SnapshotJSON is the wire form of a job snapshot.  Lines may appear here
// or at the enclosing item's top level depending on the sender.
type SnapshotJSON struct {
	Depth     int          `json:"depth,omitempty"`
	SelDepth  int          `json:"seldepth,omitempty"`
	ScoreCp   *int         `json:"score_cp,omitempty"`
	ScoreMate *int         `json:"score_mate,omitempty"`
	Nodes     int64        `json:"nodes,omitempty"`
	Nps       int64        `json:"nps,omitempty"`
	BestMove  string       `json:"bestmove,omitempty"`
	Pv        string       `json:"pv,omitempty"`
	MultiPv   int          `json:"multipv,omitempty"`
	Lines     []PvLineJSON `json:"lines,omitempty"`
}

// JobItem is the wire form of one full job record, used by jobs_list and
// job_state responses and as the payload of job_submit_or_update.
type JobItem struct {
	Id           string        `json:"id"`
	Opponent     string        `json:"opponent,omitempty"`
	Fen          string        `json:"fen,omitempty"`
	LimitType    int           `json:"limit_type"`
	LimitValue   int           `json:"limit_value"`
	MultiPv      int           `json:"multipv"`
	Status       int           `json:"status"`
	CreatedAtMs  int64         `json:"created_at_ms,omitempty"`
	StartedAtMs  *int64        `json:"started_at_ms,omitempty"`
	FinishedAtMs *int64        `json:"finished_at_ms,omitempty"`
	LastUpdateMs int64         `json:"last_update_ms,omitempty"`
	Snapshot     *SnapshotJSON `json:"snapshot,omitempty"`
	Lines        []PvLineJSON  `json:"lines,omitempty"`
	LogTail      []string      `json:"log_tail,omitempty"`
}

// Envelope is the decoded union of every inbound message shape.  Optional
// numeric fields are pointers where presence changes meaning.
type Envelope struct {
	Type     string `json:"type,omitempty"`
	ServerId string `json:"server_id,omitempty"`

	// job_update
	JobId     string  `json:"job_id,omitempty"`
	Status    *int    `json:"status,omitempty"`
	MultiPv   *int    `json:"multipv,omitempty"`
	Depth     *int    `json:"depth,omitempty"`
	SelDepth  *int    `json:"seldepth,omitempty"`
	ScoreCp   *int    `json:"score_cp,omitempty"`
	ScoreMate *int    `json:"score_mate,omitempty"`
	Nodes     *int64  `json:"nodes,omitempty"`
	Nps       *int64  `json:"nps,omitempty"`
	BestMove  *string `json:"bestmove,omitempty"`
	Pv        *string `json:"pv,omitempty"`
	LogLine   *string `json:"log_line,omitempty"`

	// server_status, with legacy key fallbacks
	RunningJobs  *int `json:"running_jobs,omitempty"`
	Running      *int `json:"running,omitempty"`
	MaxJobs      *int `json:"max_jobs,omitempty"`
	Max          *int `json:"max,omitempty"`
	Threads      *int `json:"threads,omitempty"`
	LogicalCores *int `json:"logical_cores,omitempty"`

	// jobs_list and job_state responses, job_submit_or_update payload
	Jobs []JobItem `json:"jobs,omitempty"`
	Job  *JobItem  `json:"job,omitempty"`

	// client requests
	IncludeFinished *bool `json:"include_finished,omitempty"`
	Limit           *int  `json:"limit,omitempty"`
	LogTail         *int  `json:"log_tail,omitempty"`
}

// Encode marshals a message and appends the line terminator.
func Encode(msg interface{}) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeLine parses one wire line into an Envelope.  Messages without a
// type field get one inferred from their shape when possible.
func DecodeLine(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		env.Type = InferType(env)
	}
	return env, nil
}

// InferType guesses the message type of a typeless legacy line from the
// keys it carries.  Returns "" when no shape matches.
func InferType(env Envelope) string {
	if env.Type != "" {
		return env.Type
	}
	if len(env.Jobs) > 0 {
		return TypeJobsList
	}
	if env.JobId != "" && env.Status != nil {
		return TypeJobUpdate
	}
	hasCapacity := env.RunningJobs != nil || env.Running != nil ||
		env.MaxJobs != nil || env.Max != nil
	if env.Status != nil && hasCapacity {
		return TypeServerStatus
	}
	return ""
}
