// Package xp keeps the experience ledger: cumulative XP per account, the level
// derived from it, and an append-only history of deltas.
package xp

import "math"

// Step is the XP needed to advance from level n-1 to level n: floor(100 * n^1.5).
func Step(n int) int64 {
	return int64(math.Floor(100 * math.Pow(float64(n), 1.5)))
}

// LevelOf decomposes a cumulative XP total into a level and the XP earned
// inside it. It is the only authority for level; stored levels are repaired
// against it, never trusted on their own.
func LevelOf(total int64) (level int, within int64) {
	level, within = 1, max(total, 0)
	for within >= Step(level+1) {
		within -= Step(level + 1)
		level++
	}
	return level, within
}

// TotalFor is the cumulative XP at which level begins.
func TotalFor(level int) int64 {
	var total int64
	for k := 2; k <= level; k++ {
		total += Step(k)
	}
	return total
}
