// Package domain provides definitions for gambit analysis jobs and fleet servers
package domain

import (
	"fmt"
	"time"

	"github.com/notnil/chess"
)

// Job is one analysis request tracked by the dispatcher
type Job struct {
	Id             string
	Def            JobDefinition
	Status         JobStatus
	AssignedServer string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	LastUpdateAt   time.Time
	Snapshot       JobSnapshot
	LogLines       []string
}

// JobDefinition is the definition the client sent us
type JobDefinition struct {
	Opponent        string
	Fen             string
	Limit           SearchLimit
	MultiPv         int
	PreferredServer string
}

func (jd *JobDefinition) String() string {
	return fmt.Sprintf("opponent:%s, fen:%s, limit:%v, multiPv:%d, preferred:%s",
		jd.Opponent, jd.Fen, jd.Limit, jd.MultiPv, jd.PreferredServer)
}

// JobStatus for analysis jobs.  The integer values are fixed: they are
// what travels on the wire and what the history store persists.
type JobStatus int

const (
	// Waiting for a server slot, not yet dispatched
	Pending JobStatus = iota

	// Dispatched to a server, waiting for the engine to pick it up
	Queued

	// The assigned server reported active analysis
	Running

	// Analysis completed normally
	Finished

	// The server or transport failed the job
	Error

	// Analysis was cancelled on the server
	Cancelled

	// A local user halted the job
	Stopped
)

func (s JobStatus) String() string {
	asString := [7]string{"Pending", "Queued", "Running", "Finished", "Error", "Cancelled", "Stopped"}
	return asString[s]
}

// IsTerminal returns true once no further lifecycle transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case Finished, Error, Cancelled, Stopped:
		return true
	}
	return false
}

// IsValid returns true if s is one of the defined job statuses.
func (s JobStatus) IsValid() bool {
	return s >= Pending && s <= Stopped
}

// ServerStatus is the last known availability of a fleet server.
// Integer values are fixed for the wire, like JobStatus.
type ServerStatus int

const (
	// Never heard from since startup
	ServerUnknown ServerStatus = iota

	// Reporting status and accepting work
	ServerOnline

	// Reporting status but saturated or impaired
	ServerDegraded

	// Connection lost
	ServerOffline
)

func (s ServerStatus) String() string {
	asString := [4]string{"Unknown", "Online", "Degraded", "Offline"}
	return asString[s]
}

// IsValid returns true if s is one of the defined server statuses.
func (s ServerStatus) IsValid() bool {
	return s >= ServerUnknown && s <= ServerOffline
}

// LimitType selects how a search is bounded.
type LimitType int

const (
	// Search to a fixed depth
	LimitDepth LimitType = iota

	// Search for a fixed wall time in milliseconds
	LimitTimeMs

	// Search a fixed number of nodes
	LimitNodes
)

func (t LimitType) String() string {
	asString := [3]string{"depth", "movetime_ms", "nodes"}
	return asString[t]
}

// SearchLimit bounds one analysis search.
type SearchLimit struct {
	Type  LimitType
	Value int
}

func (l SearchLimit) String() string {
	return fmt.Sprintf("%s=%d", l.Type, l.Value)
}

func DefaultSearchLimit() SearchLimit {
	return SearchLimit{Type: LimitDepth, Value: 30}
}

func DepthLimit(d int) SearchLimit {
	return SearchLimit{Type: LimitDepth, Value: d}
}

func MoveTimeLimit(ms int) SearchLimit {
	return SearchLimit{Type: LimitTimeMs, Value: ms}
}

func NodesLimit(n int) SearchLimit {
	return SearchLimit{Type: LimitNodes, Value: n}
}

// ScoreType says how to read a Score value.
type ScoreType int

const (
	// No score reported yet
	ScoreNone ScoreType = iota

	// Centipawns from the side to move
	ScoreCp

	// Moves until mate, negative if getting mated
	ScoreMate
)

// Score is an engine evaluation.  Type None means no score yet.
type Score struct {
	Type  ScoreType
	Value int
}

func CpScore(v int) Score {
	return Score{Type: ScoreCp, Value: v}
}

func MateScore(v int) Score {
	return Score{Type: ScoreMate, Value: v}
}

func (s Score) String() string {
	switch s.Type {
	case ScoreCp:
		return fmt.Sprintf("%d cp", s.Value)
	case ScoreMate:
		return fmt.Sprintf("M%d", s.Value)
	}
	return ""
}

// PvLine is one multipv entry of a snapshot.  Zero values for Depth,
// SelDepth, Nodes and Nps mean the engine has not reported them yet.
type PvLine struct {
	MultiPv  int
	Depth    int
	SelDepth int
	Score    Score
	Nodes    int64
	Nps      int64
	Pv       string
}

// JobSnapshot is the accumulated analysis state of one job.  Like PvLine,
// zero numeric fields mean not yet reported.
type JobSnapshot struct {
	Depth    int
	SelDepth int
	Score    Score
	Nodes    int64
	Nps      int64
	BestMove string
	Pv       string
	Lines    []PvLine
}

// ServerRuntimeState is the live view of one fleet server.  MaxJobs 0
// means the server never reported a limit.
type ServerRuntimeState struct {
	Status        ServerStatus
	RunningJobs   int
	MaxJobs       int
	ThreadsPerJob int
	LogicalCores  int
	LoadPercent   float64
	LastSeen      time.Time
}

// Validate a job definition, checking that the position is analyzable.
func ValidateJobDefinition(def JobDefinition) error {
	if def.Fen == "" {
		return fmt.Errorf("invalid job definition. Must have a fen; was empty")
	}
	if _, err := chess.FEN(def.Fen); err != nil {
		return fmt.Errorf("invalid fen %q: %v", def.Fen, err)
	}
	return nil
}

func ValidateMultiPv(multiPv int) error {
	if multiPv < 0 {
		return fmt.Errorf("invalid multipv:%d. Must be >= 0.", multiPv)
	}
	return nil
}
