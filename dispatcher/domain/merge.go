package domain

import (
	"sort"
)

// MergeSnapshot folds an incoming snapshot into dst without losing progress.
// Depth, selDepth, nodes and nps never move backwards; the score is replaced
// only when the incoming one carries a value; bestMove and pv only when
// non-empty.  Lines are upserted by multipv rank, whole line at a time, and
// kept sorted by rank.  Safe to apply out-of-order or duplicated updates.
func MergeSnapshot(dst *JobSnapshot, in JobSnapshot) {
	dst.Depth = maxInt(dst.Depth, in.Depth)
	dst.SelDepth = maxInt(dst.SelDepth, in.SelDepth)
	dst.Nodes = maxInt64(dst.Nodes, in.Nodes)
	dst.Nps = maxInt64(dst.Nps, in.Nps)
	if in.Score.Type != ScoreNone {
		dst.Score = in.Score
	}
	if in.BestMove != "" {
		dst.BestMove = in.BestMove
	}
	if in.Pv != "" {
		dst.Pv = in.Pv
	}
	for _, line := range in.Lines {
		upsertLine(&dst.Lines, line)
	}
	sort.Slice(dst.Lines, func(i, j int) bool {
		return dst.Lines[i].MultiPv < dst.Lines[j].MultiPv
	})
}

// upsertLine replaces the stored line of the same rank, or appends.
// Ranks below 1 are folded into rank 1.
func upsertLine(lines *[]PvLine, in PvLine) {
	if in.MultiPv < 1 {
		in.MultiPv = 1
	}
	for i := range *lines {
		if (*lines)[i].MultiPv == in.MultiPv {
			(*lines)[i] = in
			return
		}
	}
	*lines = append(*lines, in)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
