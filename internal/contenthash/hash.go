// Package contenthash produces the deterministic fingerprint of analyzable
// content. Two pieces of content with the same body and the same meaningful
// citation fields always hash identically, so the digest doubles as a cache
// key for AI analysis results.
package contenthash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// CitationInput carries only the citation fields that affect meaning.
// Formatting metadata (display order, timestamps, ids) is deliberately
// excluded so reordering-neutral edits do not invalidate cached analyses.
type CitationInput struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Quote  string `json:"quote"`
	Author string `json:"author"`
	Year   int    `json:"year"`
}

type canonical struct {
	Body      string          `json:"body"`
	Citations []CitationInput `json:"citations"`
}

// Hash returns the hex digest of the canonical JSON serialization of the
// body and ordered citation list. Citation order is preserved as given:
// the caller passes citations in their stored order.
func Hash(body string, citations []CitationInput) (string, error) {
	if citations == nil {
		citations = []CitationInput{}
	}
	payload, err := json.Marshal(canonical{Body: body, Citations: citations})
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
