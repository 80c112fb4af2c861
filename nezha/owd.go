package nezha

import (
	"context"
	"sort"
	"sync"
	"time"
)

// proxyWindow is a fixed-size ring buffer of one-way-delay samples for a
// single proxy, per spec.md §4.1's "sliding window of recent OWD samples,
// keyed by proxyId".
type proxyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newProxyWindow(n uint32) *proxyWindow {
	return &proxyWindow{samples: make([]time.Duration, n)}
}

func (w *proxyWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

// p99 returns the 99th percentile of the window, or 0 if it has fewer than
// 10 samples (too noisy to trust yet).
func (w *proxyWindow) p99() time.Duration {
	w.mu.Lock()
	n := len(w.samples)
	if !w.filled {
		n = w.next
	}
	if n < 10 {
		w.mu.Unlock()
		return 0
	}
	cp := make([]time.Duration, n)
	copy(cp, w.samples[:n])
	w.mu.Unlock()
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	idx := (n * 99) / 100
	if idx >= n {
		idx = n - 1
	}
	return cp[idx]
}

// owdTracker estimates, per proxy, how far a deadline must lead "now" for
// a request to reliably arrive before it (spec.md §4.1's deadline-setting
// guidance: "the proxy should set deadline far enough in the future to
// absorb network delay"). The replica-side half of this is read-only
// telemetry: it records observed one-way delay so a control-plane/proxy
// component (out of this module's scope) can fetch horizon(proxyId) when
// minting new deadlines.
type owdTracker struct {
	windowLen uint32
	headroom  time.Duration

	windows sync.Map // uint64 proxyId -> *proxyWindow
}

func newOWDTracker(windowLen uint32, headroom time.Duration) *owdTracker {
	if windowLen == 0 {
		windowLen = 100
	}
	return &owdTracker{windowLen: windowLen, headroom: headroom}
}

func (t *owdTracker) windowFor(proxyId uint64) *proxyWindow {
	if v, ok := t.windows.Load(proxyId); ok {
		return v.(*proxyWindow)
	}
	w := newProxyWindow(t.windowLen)
	actual, _ := t.windows.LoadOrStore(proxyId, w)
	return actual.(*proxyWindow)
}

// Sample records a single OWD observation: the gap between a request's
// send time (recovered from its deadline minus the proxy's last-known
// horizon) and this replica's receive time. Receiver calls this once per
// accepted request.
func (t *owdTracker) Sample(proxyId uint64, owd time.Duration) {
	if owd < 0 {
		return
	}
	t.windowFor(proxyId).add(owd)
}

// Horizon returns the deadline lead time this replica recommends for
// proxyId: its observed p99 OWD plus the configured safety headroom, or
// the headroom alone if too few samples exist yet.
func (t *owdTracker) Horizon(proxyId uint64) time.Duration {
	return t.windowFor(proxyId).p99() + t.headroom
}

// owdLoop periodically logs OWD horizon drift per proxy so operators can
// see it; the numbers themselves are available live via Horizon.
// metrics.Registry carries no OWD metric.
func (r *Replica) owdLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.proxyAddr.Range(func(key, _ any) bool {
				proxyId := key.(uint64)
				h := r.owd.Horizon(proxyId)
				r.log.Trace("owd horizon", "proxyId", proxyId, "horizon", h)
				return true
			})
		}
	}
}
