package auth

import "sync"

// ReplayGuard tracks the largest accepted time token per identity. Signed
// requests must carry a strictly larger value than the last accepted one;
// logical counters are as valid as wall-clock time.
//
// The interface exists so a bounded or externally persisted implementation can
// replace the in-memory one, which deliberately resets on process restart.
type ReplayGuard interface {
	// Last returns the largest accepted time token for the identity.
	Last(publicKey string) (int64, bool)
	// Advance records t for the identity if it exceeds the current value,
	// reporting whether it did. Check and update are one atomic step.
	Advance(publicKey string, t int64) bool
}

// MemoryReplayGuard is the process-wide in-memory guard. Unbounded; it holds
// one entry per authorized identity.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{last: make(map[string]int64)}
}

func (g *MemoryReplayGuard) Last(publicKey string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[publicKey]
	return t, ok
}

func (g *MemoryReplayGuard) Advance(publicKey string, t int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[publicKey]; ok && last >= t {
		return false
	}
	g.last[publicKey] = t
	return true
}
