package ai

import (
	"fmt"
	"strings"
)

// SummarizePrompt asks for the structured summary of a document:
// title, overview, atomic claims and keywords as a single JSON object.
func SummarizePrompt(text string) string {
	var b strings.Builder
	b.WriteString("Summarize the following document. Respond with JSON only, in the shape:\n")
	b.WriteString(`{"title": "...", "overview": "...", "claims": ["..."], "keywords": ["..."]}` + "\n")
	b.WriteString("Each claim must be a single atomic assertion the author commits to.\n\n")
	b.WriteString("Document:\n")
	b.WriteString(text)
	return b.String()
}

// EvaluatePrompt asks for per-dimension scores and a verdict. Dimensions
// vary by discipline and are passed by the caller.
func EvaluatePrompt(text string, dimensions []string) string {
	var b strings.Builder
	b.WriteString("Evaluate the following document. Score each dimension from 0 to 10.\n")
	b.WriteString("Respond with JSON only, in the shape:\n")
	b.WriteString(`{"scores": {`)
	for i, d := range dimensions {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: 0", d)
	}
	b.WriteString(`}, "verdict": "..."}` + "\n\n")
	b.WriteString("Document:\n")
	b.WriteString(text)
	return b.String()
}

// AnalyzeTracePrompt asks for the reasoning-quality review of a published
// argument trace: per-step soundness, citation support and an overall grade.
func AnalyzeTracePrompt(body string, citations []string) string {
	var b strings.Builder
	b.WriteString("Review the reasoning in the following argument. Respond with JSON only, in the shape:\n")
	b.WriteString(`{"steps": [{"claim": "...", "sound": true, "note": "..."}], "citationSupport": "strong" | "partial" | "weak", "grade": "..."}` + "\n\n")
	b.WriteString("Argument:\n")
	b.WriteString(body)
	if len(citations) > 0 {
		b.WriteString("\n\nCitations:\n")
		for i, c := range citations {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
		}
	}
	return b.String()
}

func classifyPrompt(a, b string) string {
	return fmt.Sprintf(`Claim A: %q
Claim B: %q

How does claim B relate to claim A? Respond with JSON only:
{"relation": "equivalent" | "contradicts" | "unrelated", "confidence": 0.0}
"equivalent" means the claims assert the same thing; "contradicts" means B
contradicts or directly rebuts A; "unrelated" means neither.`, a, b)
}
