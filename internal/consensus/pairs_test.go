package consensus

import (
	"testing"

	"agora/api/internal/store"
)

func doc(id, author string, parent *string) store.Document {
	return store.Document{ID: id, AuthorID: author, ParentID: parent}
}

func ptr(s string) *string { return &s }

func TestIdentifyPairsSiblingsDoNotPair(t *testing.T) {
	// B and C both reply to A's document but never to each other.
	docs := []store.Document{
		doc("d1", "A", nil),
		doc("d2", "B", ptr("d1")),
		doc("d3", "C", ptr("d1")),
	}

	pairs := IdentifyPairs(docs)

	want := []Pair{{A: "A", B: "B"}, {A: "A", B: "C"}}
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pairs = %v, want %v", pairs, want)
		}
	}
}

func TestIdentifyPairsTransitiveChain(t *testing.T) {
	// C replies to B's reply to A: the whole ancestor chain pairs.
	docs := []store.Document{
		doc("d1", "A", nil),
		doc("d2", "B", ptr("d1")),
		doc("d3", "C", ptr("d2")),
	}

	pairs := IdentifyPairs(docs)

	want := []Pair{{A: "A", B: "B"}, {A: "A", B: "C"}, {A: "B", B: "C"}}
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pairs = %v, want %v", pairs, want)
		}
	}
}

func TestIdentifyPairsSelfReplyPairsNobody(t *testing.T) {
	docs := []store.Document{
		doc("d1", "A", nil),
		doc("d2", "A", ptr("d1")),
	}
	if pairs := IdentifyPairs(docs); len(pairs) != 0 {
		t.Fatalf("self-reply must not create a pair, got %v", pairs)
	}
}

func TestIdentifyPairsDeduplicates(t *testing.T) {
	// Two separate exchanges between the same two authors yield one pair.
	docs := []store.Document{
		doc("d1", "A", nil),
		doc("d2", "B", ptr("d1")),
		doc("d3", "A", nil),
		doc("d4", "B", ptr("d3")),
	}
	pairs := IdentifyPairs(docs)
	if len(pairs) != 1 || pairs[0] != (Pair{A: "A", B: "B"}) {
		t.Fatalf("pairs = %v, want exactly {A B}", pairs)
	}
}

func TestIdentifyPairsSurvivesCycle(t *testing.T) {
	docs := []store.Document{
		doc("d1", "A", ptr("d2")),
		doc("d2", "B", ptr("d1")),
	}
	pairs := IdentifyPairs(docs)
	if len(pairs) != 1 {
		t.Fatalf("cyclic parents must still terminate, got %v", pairs)
	}
}

func TestCanonicalPair(t *testing.T) {
	if pair, ok := CanonicalPair("zed", "amy"); !ok || pair.A != "amy" || pair.B != "zed" {
		t.Fatalf("CanonicalPair(zed, amy) = %v, %v", pair, ok)
	}
	if _, ok := CanonicalPair("amy", "amy"); ok {
		t.Fatalf("self-pair must be rejected")
	}
}

func TestIsReplyAncestor(t *testing.T) {
	docs := []store.Document{
		doc("d1", "A", nil),
		doc("d2", "B", ptr("d1")),
		doc("d3", "C", ptr("d2")),
		doc("d4", "D", nil),
	}
	byID := make(map[string]store.Document)
	for _, d := range docs {
		byID[d.ID] = d
	}

	if !isReplyAncestor(byID, "d1", "d3") {
		t.Fatalf("d1 is a transitive ancestor of d3")
	}
	if isReplyAncestor(byID, "d3", "d1") {
		t.Fatalf("ancestry is directional")
	}
	if isReplyAncestor(byID, "d1", "d4") {
		t.Fatalf("unrelated roots share no path")
	}
}
