// Package consensus identifies which topic participants have actually
// argued with each other and computes agreement/disagreement aggregates
// from their documents' claims.
package consensus

import (
	"sort"

	"agora/api/internal/store"
)

const JobAggregate = "topic.aggregate"

// TopicJob is the payload of an aggregation job.
type TopicJob struct {
	TopicID string `json:"topicId"`
}

// Pair is an unordered author pair stored canonically: A < B.
type Pair struct {
	A string
	B string
}

// CanonicalPair orders two user ids into a unique storage key. Self-pairs
// are rejected.
func CanonicalPair(x, y string) (Pair, bool) {
	if x == y {
		return Pair{}, false
	}
	if x < y {
		return Pair{A: x, B: y}, true
	}
	return Pair{A: y, B: x}, true
}

// IdentifyPairs returns the author pairs linked by a reply path: one
// author's document is a direct or transitive reply-ancestor of the
// other's. Co-presence in the topic without a reply path does not pair two
// authors, and an author replying to themselves pairs nobody.
func IdentifyPairs(docs []store.Document) []Pair {
	byID := make(map[string]store.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	seen := make(map[Pair]struct{})
	for _, doc := range docs {
		// Walk the ancestor chain, pairing this document's author with
		// every ancestor author. The visited guard caps the walk if the
		// parent pointers ever form a cycle.
		visited := map[string]struct{}{doc.ID: {}}
		parentID := doc.ParentID
		for parentID != nil {
			parent, ok := byID[*parentID]
			if !ok {
				break
			}
			if _, cycle := visited[parent.ID]; cycle {
				break
			}
			visited[parent.ID] = struct{}{}
			if pair, ok := CanonicalPair(doc.AuthorID, parent.AuthorID); ok {
				seen[pair] = struct{}{}
			}
			parentID = parent.ParentID
		}
	}

	pairs := make([]Pair, 0, len(seen))
	for pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// isReplyAncestor reports whether ancestorID is on childID's reply chain.
func isReplyAncestor(byID map[string]store.Document, ancestorID, childID string) bool {
	visited := make(map[string]struct{})
	current, ok := byID[childID]
	if !ok {
		return false
	}
	for current.ParentID != nil {
		if _, cycle := visited[current.ID]; cycle {
			return false
		}
		visited[current.ID] = struct{}{}
		if *current.ParentID == ancestorID {
			return true
		}
		current, ok = byID[*current.ParentID]
		if !ok {
			return false
		}
	}
	return false
}
