package orderbook

// SequenceGuard tracks the last accepted update id per key. Ids <= 0 are
// treated as "no sequence" and always accepted. Not safe for concurrent use:
// each processor owns one and mutates it only from its receive loop.
type SequenceGuard struct {
	last map[string]int64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{last: make(map[string]int64)}
}

// Accept reports whether seq is newer than the last accepted id for key and
// records it when it is.
func (g *SequenceGuard) Accept(key string, seq int64) bool {
	if seq <= 0 {
		return true
	}
	if last, ok := g.last[key]; ok && seq <= last {
		return false
	}
	g.last[key] = seq
	return true
}

// Reset sets the last id for key, typically after a snapshot.
func (g *SequenceGuard) Reset(key string, seq int64) {
	if seq <= 0 {
		delete(g.last, key)
		return
	}
	g.last[key] = seq
}

func (g *SequenceGuard) Last(key string) (int64, bool) {
	v, ok := g.last[key]
	return v, ok
}

// Clear forgets every key, used after a reconnect.
func (g *SequenceGuard) Clear() {
	g.last = make(map[string]int64)
}
