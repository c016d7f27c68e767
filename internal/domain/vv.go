package domain

import "sort"

// ─── Version Vectors ────────────────────────────────────────────────────────

// VersionVector maps each author to the highest sequence observed from it.
// A missing author is equivalent to sequence 0.
type VersionVector map[NodeID]uint64

// Get returns the highest observed sequence for author (0 if unknown).
func (v VersionVector) Get(author NodeID) uint64 { return v[author] }

// Set records the highest observed sequence for author.
func (v VersionVector) Set(author NodeID, seq uint64) { v[author] = seq }

// Observe raises the author's entry to seq if seq is higher.
func (v VersionVector) Observe(author NodeID, seq uint64) {
	if seq > v[author] {
		v[author] = seq
	}
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for a, s := range v {
		out[a] = s
	}
	return out
}

// Dominates reports whether v ≥ other: for every author, v has observed at
// least as much as other.
func (v VersionVector) Dominates(other VersionVector) bool {
	for a, s := range other {
		if v[a] < s {
			return false
		}
	}
	return true
}

// AheadOf reports whether v has observed at least one sequence that other
// has not. This is the gossip trigger: the remote vector being ahead on any
// author means there are entries to fetch.
func (v VersionVector) AheadOf(other VersionVector) bool {
	return !other.Dominates(v)
}

// SequenceRange is a contiguous run of sequences missing for one author.
type SequenceRange struct {
	Author NodeID
	From   uint64 // inclusive
	To     uint64 // inclusive
}

// MissingFrom returns, per author, the sequence ranges that v holds but peer
// does not: (peer[author]+1 .. v[author]]. Authors are returned in sorted
// order so callers iterate deterministically.
func (v VersionVector) MissingFrom(peer VersionVector) []SequenceRange {
	authors := make([]NodeID, 0, len(v))
	for a := range v {
		authors = append(authors, a)
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i] < authors[j] })

	var out []SequenceRange
	for _, a := range authors {
		local := v[a]
		remote := peer[a]
		if local > remote {
			out = append(out, SequenceRange{Author: a, From: remote + 1, To: local})
		}
	}
	return out
}
