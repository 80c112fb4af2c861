package nezha

import "context"

// Application is the external state machine spec.md §1 scopes out of the
// core ("the application state machine (a single execute(request) -> result
// operation)"). The replica never interprets Command; it only sequences
// requests and hands each one to Application in agreed order.
type Application interface {
	Execute(ctx context.Context, rb RequestBody) ([]byte, error)
}
