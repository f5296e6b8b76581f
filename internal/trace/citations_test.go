package trace

import (
	"testing"

	"agora/api/internal/store"
)

func orders(citations []store.Citation) []int {
	out := make([]int, len(citations))
	for i, c := range citations {
		out[i] = c.Order
	}
	return out
}

func titles(citations []store.Citation) []string {
	out := make([]string, len(citations))
	for i, c := range citations {
		out[i] = c.Title
	}
	return out
}

func TestInsertCitationShiftsSubsequent(t *testing.T) {
	base := Renumber([]store.Citation{{Title: "a"}, {Title: "b"}, {Title: "c"}})

	got := InsertCitation(base, store.Citation{Title: "x"}, 2)

	wantTitles := []string{"a", "x", "b", "c"}
	for i, title := range titles(got) {
		if title != wantTitles[i] {
			t.Fatalf("titles = %v, want %v", titles(got), wantTitles)
		}
	}
	for i, ord := range orders(got) {
		if ord != i+1 {
			t.Fatalf("orders = %v, want dense 1..%d", orders(got), len(got))
		}
	}
}

func TestRemoveCitationRenumbersDense(t *testing.T) {
	base := Renumber([]store.Citation{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}, {Title: "e"}})

	got := RemoveCitation(base, 3)

	if len(got) != 4 {
		t.Fatalf("expected 4 citations, got %d", len(got))
	}
	wantTitles := []string{"a", "b", "d", "e"}
	for i, title := range titles(got) {
		if title != wantTitles[i] {
			t.Fatalf("titles = %v, want %v", titles(got), wantTitles)
		}
	}
	wantOrders := []int{1, 2, 3, 4}
	for i, ord := range orders(got) {
		if ord != wantOrders[i] {
			t.Fatalf("orders = %v, want %v", orders(got), wantOrders)
		}
	}
}

func TestRemoveCitationOutOfRange(t *testing.T) {
	base := Renumber([]store.Citation{{Title: "a"}})
	if got := RemoveCitation(base, 0); len(got) != 1 {
		t.Fatalf("position 0 must be a no-op")
	}
	if got := RemoveCitation(base, 2); len(got) != 1 {
		t.Fatalf("past-the-end position must be a no-op")
	}
}

func TestInsertCitationAppendsWhenPositionPastEnd(t *testing.T) {
	base := Renumber([]store.Citation{{Title: "a"}})
	got := InsertCitation(base, store.Citation{Title: "z"}, 99)
	if len(got) != 2 || got[1].Title != "z" || got[1].Order != 2 {
		t.Fatalf("expected append at position 2, got %v", got)
	}
}

func TestSortByOrder(t *testing.T) {
	shuffled := []store.Citation{{Title: "c", Order: 3}, {Title: "a", Order: 1}, {Title: "b", Order: 2}}
	got := SortByOrder(shuffled)
	wantTitles := []string{"a", "b", "c"}
	for i, title := range titles(got) {
		if title != wantTitles[i] {
			t.Fatalf("titles = %v, want %v", titles(got), wantTitles)
		}
	}
	if shuffled[0].Title != "c" {
		t.Fatalf("input slice must not be mutated")
	}
}
