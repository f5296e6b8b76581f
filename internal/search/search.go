package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSummary ResultType = "summary"
	ResultTrace   ResultType = "trace"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId,omitempty"`
	TopicID    string     `json:"topicId"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterTopicID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// SummaryRecord is the data indexed for a completed document summary.
type SummaryRecord struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	TopicID    string   `json:"topicId"`
	Title      string   `json:"title"`
	Overview   string   `json:"overview"`
	Keywords   []string `json:"keywords"`
}

// TraceRecord is the data indexed for a published trace.
type TraceRecord struct {
	ID      string `json:"id"`
	TopicID string `json:"topicId"`
	Body    string `json:"body"`
}
