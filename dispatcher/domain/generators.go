package domain

import (
	"strings"

	"github.com/leanovate/gopter"
)

//
// Domain Generators contains Generator methods that are useful
// when doing property based testing
//

// Randomly generates a plausible uci move like "e2e4"
func genUciMove(genParams *gopter.GenParameters) string {
	const files = "abcdefgh"
	const ranks = "12345678"
	return string([]byte{
		files[genParams.Rng.Intn(8)], ranks[genParams.Rng.Intn(8)],
		files[genParams.Rng.Intn(8)], ranks[genParams.Rng.Intn(8)],
	})
}

// Randomly generates a pv of 0 to 7 moves, possibly empty
func genPv(genParams *gopter.GenParameters) string {
	numMoves := int(genParams.NextUint64() % 8)
	moves := make([]string, 0, numMoves)
	for i := 0; i < numMoves; i++ {
		moves = append(moves, genUciMove(genParams))
	}
	return strings.Join(moves, " ")
}

// Randomly generates a score; roughly a third each of none, cp and mate
func genScore(genParams *gopter.GenParameters) Score {
	switch genParams.Rng.Intn(3) {
	case 0:
		return Score{}
	case 1:
		return CpScore(genParams.Rng.Intn(2001) - 1000)
	default:
		return MateScore(genParams.Rng.Intn(21) - 10)
	}
}

// Randomly generates one pv line with the given rank.  Numeric fields are
// left at zero about half the time to exercise the not-yet-reported case.
func genPvLine(genParams *gopter.GenParameters, rank int) PvLine {
	line := PvLine{
		MultiPv: rank,
		Score:   genScore(genParams),
		Pv:      genPv(genParams),
	}
	if genParams.NextBool() {
		line.Depth = int(genParams.NextUint64()%60) + 1
	}
	if genParams.NextBool() {
		line.SelDepth = line.Depth + int(genParams.NextUint64()%10)
	}
	if genParams.NextBool() {
		line.Nodes = int64(genParams.NextUint64() % 500000000)
		line.Nps = int64(genParams.NextUint64() % 2000000)
	}
	return line
}

// Randomly generates a snapshot with 0 to 4 pv lines.  Line ranks may
// repeat or be zero so merging exercises normalization and replacement.
func genSnapshot(genParams *gopter.GenParameters) JobSnapshot {
	snap := JobSnapshot{Score: genScore(genParams)}
	if genParams.NextBool() {
		snap.Depth = int(genParams.NextUint64()%60) + 1
	}
	if genParams.NextBool() {
		snap.SelDepth = snap.Depth + int(genParams.NextUint64()%10)
	}
	if genParams.NextBool() {
		snap.Nodes = int64(genParams.NextUint64() % 500000000)
		snap.Nps = int64(genParams.NextUint64() % 2000000)
	}
	if genParams.NextBool() {
		snap.BestMove = genUciMove(genParams)
	}
	snap.Pv = genPv(genParams)

	numLines := int(genParams.NextUint64() % 5)
	for i := 0; i < numLines; i++ {
		rank := int(genParams.NextUint64() % 4)
		snap.Lines = append(snap.Lines, genPvLine(genParams, rank))
	}
	return snap
}

// Generator for a random snapshot
func GenSnapshot() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		snap := genSnapshot(genParams)
		genResult := gopter.NewGenResult(snap, gopter.NoShrinker)
		return genResult
	}
}
