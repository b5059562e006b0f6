package internal

// Event is the rule-engine view of one webhook delivery. Data holds the
// flattened payload keyed by dotted paths; RawObject keeps the decoded JSON
// for jsonpath bindings.
type Event struct {
	Provider  string                 `json:"provider"`
	Name      string                 `json:"name"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data"`
	RawObject interface{}            `json:"-"`
}
