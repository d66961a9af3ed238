package etag

import "sync/atomic"

// Generator hands out strictly increasing etags for one server instance.
// The restarts component is fixed for the lifetime of the generator; the
// node persists it and bumps it once at boot, which is what keeps etags
// increasing across process restarts even though the change counter starts
// over.
type Generator struct {
	restarts uint64
	changes  atomic.Uint64
}

// NewGenerator creates a generator stamping etags with the given restarts
// component.  The first etag issued will have a changes component of
// lastChanges+1.
func NewGenerator(restarts uint64, lastChanges uint64) *Generator {
	g := &Generator{
		restarts: restarts,
	}
	g.changes.Store(lastChanges)
	return g
}

// Next issues a new etag.  Safe for concurrent use; concurrent callers
// receive distinct, strictly increasing values.
func (g *Generator) Next() Etag {
	return Etag{
		Restarts: g.restarts,
		Changes:  g.changes.Add(1),
	}
}

// Current returns the most recently issued etag, or the zero-changes etag
// if none has been issued yet.
func (g *Generator) Current() Etag {
	return Etag{
		Restarts: g.restarts,
		Changes:  g.changes.Load(),
	}
}
