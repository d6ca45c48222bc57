package headless

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// networkWatch tracks in-flight requests on a page so the pipeline can wait
// for network quiescence when a navigation rendered very little text. One
// instance lives on each Page and is reset between fetches.
type networkWatch struct {
	mu         sync.Mutex
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
}

func newNetworkWatch() *networkWatch {
	return &networkWatch{
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
	}
}

// reset clears requests tracked by a previous fetch on the same page.
func (w *networkWatch) reset() {
	w.mu.Lock()
	w.inflight = make(map[network.RequestID]struct{})
	w.lastChange = time.Now()
	w.mu.Unlock()
}

// handle consumes one CDP event.
func (w *networkWatch) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.mu.Lock()
		w.inflight[e.RequestID] = struct{}{}
		w.lastChange = time.Now()
		w.mu.Unlock()
	case *network.EventLoadingFinished:
		w.settle(e.RequestID)
	case *network.EventLoadingFailed:
		w.settle(e.RequestID)
	}
}

func (w *networkWatch) settle(id network.RequestID) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.lastChange = time.Now()
	w.mu.Unlock()
}

// idleFor reports whether no request has been in flight for quiet.
func (w *networkWatch) idleFor(quiet time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight) == 0 && time.Since(w.lastChange) >= quiet
}

// awaitIdle blocks until the network has been quiet for quiet, the bound
// elapses, or ctx is done.
func (w *networkWatch) awaitIdle(ctx context.Context, bound, quiet time.Duration) {
	deadline := time.Now().Add(bound)
	for time.Now().Before(deadline) {
		if w.idleFor(quiet) {
			return
		}
		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			return
		}
	}
}
