package member

import (
	"bytes"
	"sort"
)

// Order returns a new slice with members sorted by lexicographic comparison
// of their UniqueID. Every process computes the same sequence from the same
// set of ids. The input is never modified.
func Order(members []*Member) []*Member {
	out := make([]*Member, len(members))
	copy(out, members)
	sort.SliceStable(out, func(i, j int) bool {
		return bytes.Compare(out[i].UniqueID, out[j].UniqueID) < 0
	})
	return out
}

// Merge returns the ordered union of lower and local. Entries from lower win
// when both carry the same id; local entries are appended only when absent.
func Merge(lower, local []*Member) []*Member {
	seen := make(map[string]struct{}, len(lower)+len(local))
	union := make([]*Member, 0, len(lower)+len(local))

	for _, group := range [][]*Member{lower, local} {
		for _, m := range group {
			if m == nil {
				continue
			}
			if _, dup := seen[m.Key()]; dup {
				continue
			}
			seen[m.Key()] = struct{}{}
			union = append(union, m)
		}
	}
	return Order(union)
}

// Contains reports whether members holds a member with the same id as m.
func Contains(members []*Member, m *Member) bool {
	return Find(members, m.UniqueID) != nil
}

// Find returns the member with the given id, or nil.
func Find(members []*Member, id []byte) *Member {
	for _, candidate := range members {
		if bytes.Equal(candidate.UniqueID, id) {
			return candidate
		}
	}
	return nil
}
