package module

import "context"

// Handle is what an entry point receives as its handle argument: the
// underlying Record (for artifacts written in Go that want direct access,
// as the faketest artifacts in this repository do) plus the goroutine's
// own context, so a cancellation-aware entry point has somewhere to wait
// on for Cancel.
type Handle struct {
	*Record
	Ctx context.Context
}

// Done forwards to Ctx.Done, letting a caller treat a Handle as anything
// satisfying `interface{ Done() <-chan struct{} }` without importing this
// package just for the type assertion.
func (h *Handle) Done() <-chan struct{} {
	return h.Ctx.Done()
}
