package lease

import (
	"reflect"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lease")

// Leasable is implemented by every type that can be handed out by a Pool.
// ResetLeasable must return the object to its zero/default state, it may keep
// allocated capacity (slices truncated to length 0, maps cleared).
type Leasable interface {
	ResetLeasable()
}

// leasablePtr constrains Acquire to pointer types implementing Leasable
type leasablePtr[T any] interface {
	*T
	Leasable
}

// Pool holds one instance per leased type for a single execution context.
//
// Thread-safety: not thread-safe, see the package documentation. Buffer and
// ReleaseBuffer only touch the shared BufferPool and may be called from any
// goroutine.
type Pool struct {
	id      string
	slots   map[reflect.Type]Leasable
	buffers *BufferPool
	leases  uint64
}

// NewPool creates a context-local pool. Buffers are checked out from the given
// buffer pool (nil uses the process wide default).
func NewPool(id string, buffers *BufferPool) *Pool {
	if buffers == nil {
		buffers = DefaultBufferPool
	}
	return &Pool{
		id:      id,
		slots:   make(map[reflect.Type]Leasable),
		buffers: buffers,
	}
}

// ID returns the id of the context owning this pool
func (p *Pool) ID() string { return p.id }

// Leases returns how many objects were handed out by this pool
func (p *Pool) Leases() uint64 { return p.leases }

// Acquire returns the context's instance of T in its reset state. The instance
// is created on first use. Calling Acquire again for the same type while the
// first lease is still in use returns the same object, which is why a context
// must only run one operation at a time.
func Acquire[T any, PT leasablePtr[T]](p *Pool) PT {
	key := reflect.TypeFor[T]()
	p.leases++
	if obj, ok := p.slots[key]; ok {
		obj.ResetLeasable()
		return obj.(PT)
	}
	obj := PT(new(T))
	obj.ResetLeasable()
	p.slots[key] = obj
	return obj
}

// Release resets obj right away so it does not pin memory until the next
// Acquire. Calling Release is optional.
func (p *Pool) Release(obj Leasable) {
	if obj != nil {
		obj.ResetLeasable()
	}
}

// Buffer checks out a byte buffer with length n from the buffer pool
func (p *Pool) Buffer(n int) []byte {
	return p.buffers.Get(n)
}

// ReleaseBuffer returns a buffer obtained with Buffer
func (p *Pool) ReleaseBuffer(b []byte) {
	p.buffers.Put(b)
}

// Clear resets every slot and forgets them. Used when the owning context is
// torn down.
func (p *Pool) Clear() {
	for key, obj := range p.slots {
		obj.ResetLeasable()
		delete(p.slots, key)
	}
}
