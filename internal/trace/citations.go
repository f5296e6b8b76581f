package trace

import (
	"sort"

	"agora/api/internal/store"
)

// InsertCitation places c at position pos (1-based) and shifts everything at
// or after that position down by one. pos values beyond the end append.
func InsertCitation(citations []store.Citation, c store.Citation, pos int) []store.Citation {
	if pos < 1 {
		pos = 1
	}
	if pos > len(citations)+1 {
		pos = len(citations) + 1
	}
	out := make([]store.Citation, 0, len(citations)+1)
	out = append(out, citations[:pos-1]...)
	c.Order = pos
	out = append(out, c)
	out = append(out, citations[pos-1:]...)
	return Renumber(out)
}

// RemoveCitation deletes the citation at position pos and closes the gap so
// numbering stays dense. Out-of-range positions leave the slice unchanged.
func RemoveCitation(citations []store.Citation, pos int) []store.Citation {
	if pos < 1 || pos > len(citations) {
		return citations
	}
	out := make([]store.Citation, 0, len(citations)-1)
	out = append(out, citations[:pos-1]...)
	out = append(out, citations[pos:]...)
	return Renumber(out)
}

// Renumber assigns a dense 1..N ordering, preserving relative order. Input
// order wins over any stale Order values.
func Renumber(citations []store.Citation) []store.Citation {
	out := make([]store.Citation, len(citations))
	copy(out, citations)
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}

// SortByOrder returns the citations sorted by their Order field. Used when
// loading from storage, where row order is not guaranteed.
func SortByOrder(citations []store.Citation) []store.Citation {
	out := make([]store.Citation, len(citations))
	copy(out, citations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
