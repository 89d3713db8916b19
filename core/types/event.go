package types

// Event is the generic attribute-bag representation handed to subscribers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
