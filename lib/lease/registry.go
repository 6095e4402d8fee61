package lease

import "github.com/puzpuzpuz/xsync/v3"

// Registry hands out one Pool per execution context id. Pools are created
// lazily on first use and dropped when the context is torn down.
//
// Thread-safety: all methods are safe for concurrent use. The returned Pool is
// not, it belongs to the caller's context.
type Registry struct {
	pools   *xsync.MapOf[string, *Pool]
	buffers *BufferPool
}

// NewRegistry creates an empty registry using the given buffer pool for all
// pools it creates (nil uses DefaultBufferPool).
func NewRegistry(buffers *BufferPool) *Registry {
	if buffers == nil {
		buffers = DefaultBufferPool
	}
	return &Registry{
		pools:   xsync.NewMapOf[string, *Pool](),
		buffers: buffers,
	}
}

// For returns the pool of the given context, creating it if needed
func (r *Registry) For(contextID string) *Pool {
	pool, _ := r.pools.LoadOrCompute(contextID, func() *Pool {
		Logger.Debugf("creating lease pool for context %s", contextID)
		return NewPool(contextID, r.buffers)
	})
	return pool
}

// Drop clears and removes the pool of the given context
func (r *Registry) Drop(contextID string) {
	if pool, ok := r.pools.LoadAndDelete(contextID); ok {
		pool.Clear()
	}
}

// Len returns the number of live pools
func (r *Registry) Len() int {
	return r.pools.Size()
}
