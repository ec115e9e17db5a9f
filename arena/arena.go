package arena

import (
	"sync"
	"sync/atomic"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// CleanupHandler is invoked for every registered object when the arena
// that owns it is torn down
type CleanupHandler interface {
	Cleanup()
}

// CleanupFunc adapts a function to CleanupHandler
type CleanupFunc func()

// Cleanup calls f
func (f CleanupFunc) Cleanup() { f() }

// Owned is implemented by objects that remember which allocator created them
type Owned interface {
	Allocator() Allocator
}

// Allocator hands out fixed-size byte blocks. Implementations must be safe
// for concurrent use by every worker.
type Allocator interface {
	// Allocate returns a zeroed block of exactly size bytes
	Allocate(size int) ([]byte, error)

	// Deallocate returns a block obtained from Allocate
	Deallocate(block []byte)

	// Register records a cleanup handler to run on Close and returns a
	// function that unregisters it
	Register(h CleanupHandler) (unregister func())

	// Close runs all outstanding cleanup handlers
	Close()
}

// Stats is a snapshot of allocator activity
type Stats struct {
	Allocated   int64
	Deallocated int64
	Outstanding int64
}

// Arena is a pooled allocator keyed by block size. Blocks larger than
// maxBlock are refused so a single connection can never grab more than the
// configured buffer size.
type Arena struct {
	maxBlock int

	mu    sync.Mutex
	pools map[int]*sync.Pool

	handlersMu sync.Mutex
	handlers   map[uint64]CleanupHandler
	nextID     uint64
	closed     bool

	allocated   atomic.Int64
	deallocated atomic.Int64
}

// New creates an arena that serves blocks of up to maxBlock bytes
func New(maxBlock int) *Arena {
	return &Arena{
		maxBlock: maxBlock,
		pools:    make(map[int]*sync.Pool),
		handlers: make(map[uint64]CleanupHandler),
	}
}

func (a *Arena) pool(size int) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[size]
	if !ok {
		p = &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		}
		a.pools[size] = p
	}
	return p
}

// Allocate returns a zeroed block of size bytes
func (a *Arena) Allocate(size int) ([]byte, error) {
	if size <= 0 || size > a.maxBlock {
		return nil, &errors.HttpError{
			Type:    errors.ErrorMemory,
			Message: "block size out of range",
		}
	}

	bp := a.pool(size).Get().(*[]byte)
	block := *bp
	clear(block)
	a.allocated.Add(1)
	return block, nil
}

// Deallocate returns a block to its size pool
func (a *Arena) Deallocate(block []byte) {
	if cap(block) == 0 || cap(block) > a.maxBlock {
		return
	}
	block = block[:cap(block)]
	a.pool(len(block)).Put(&block)
	a.deallocated.Add(1)
}

// Register records h to be run on Close
func (a *Arena) Register(h CleanupHandler) func() {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()

	if a.closed {
		h.Cleanup()
		return func() {}
	}

	id := a.nextID
	a.nextID++
	a.handlers[id] = h

	return func() {
		a.handlersMu.Lock()
		delete(a.handlers, id)
		a.handlersMu.Unlock()
	}
}

// Close runs every registered cleanup handler once
func (a *Arena) Close() {
	a.handlersMu.Lock()
	if a.closed {
		a.handlersMu.Unlock()
		return
	}
	a.closed = true
	handlers := a.handlers
	a.handlers = make(map[uint64]CleanupHandler)
	a.handlersMu.Unlock()

	for _, h := range handlers {
		h.Cleanup()
	}
}

// Stats returns current allocation counters
func (a *Arena) Stats() Stats {
	alloc := a.allocated.Load()
	dealloc := a.deallocated.Load()
	return Stats{
		Allocated:   alloc,
		Deallocated: dealloc,
		Outstanding: alloc - dealloc,
	}
}
