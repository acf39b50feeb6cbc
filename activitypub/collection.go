package activitypub

// OrderedCollection is the JSON-LD envelope for ordered lists such as
// followers or the outbox.
type OrderedCollection[T any] struct {
	Context      any    `json:"@context"`
	ID           string `json:"id,omitempty"`
	Type         string `json:"type"`
	Summary      string `json:"summary"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []T    `json:"orderedItems"`
}

func NewOrderedCollection[T any](id, summary string, items []T) *OrderedCollection[T] {
	if items == nil {
		items = []T{}
	}
	return &OrderedCollection[T]{
		Context:      ActivityStreamsContext,
		ID:           id,
		Type:         "OrderedCollection",
		Summary:      summary,
		TotalItems:   len(items),
		OrderedItems: items,
	}
}

// EmptyCollection is the body returned to inbox posters
func EmptyCollection(summary string) *OrderedCollection[any] {
	return NewOrderedCollection[any]("", summary, nil)
}
