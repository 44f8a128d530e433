package subscription

import (
	"sync"

	"github.com/teamflow/server/internal/docstore"
)

// Handle is one listener's attachment to a shared live query. Cancellation
// is idempotent and never affects other listeners on the same key; the last
// cancellation tears down the underlying query.
type Handle struct {
	events chan docstore.Event
	done   chan struct{}
	cancel func()
	once   sync.Once
}

// Events returns the listener's event channel. The channel is never closed;
// consumers select on Done to observe cancellation.
func (h *Handle) Events() <-chan docstore.Event {
	return h.events
}

// Done is closed when the handle has been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel detaches the listener.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		close(h.done)
		if h.cancel != nil {
			h.cancel()
		}
	})
}
