package ledger

import "sync"

// inFlightGuard rejects a second call of the same operation kind while
// one is executing. Different kinds do not block each other here; they
// serialize on the ledger mutex instead.
type inFlightGuard struct {
	mu     sync.Mutex
	active map[TransactionKind]bool
}

func (g *inFlightGuard) begin(kind TransactionKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[kind] {
		return false
	}
	if g.active == nil {
		g.active = make(map[TransactionKind]bool)
	}
	g.active[kind] = true
	return true
}

func (g *inFlightGuard) end(kind TransactionKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, kind)
}
