package blockpool

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

// State is a small allocation carved out of a pool or stream: a mapped byte range
// plus its GPU-visible offset from the owning pool's base.
//
// Data is only guaranteed valid until the owning pool grows; offsets stay valid for
// the allocation's lifetime.
type State struct {
	Data   []byte
	Offset int
	Size   int
}

// IsNil reports whether this is the zero State. Offset 0 is reserved by every
// consumer of this package precisely so the zero value unambiguously means
// "no state".
func (s State) IsNil() bool {
	return s.Data == nil && s.Offset == 0
}

// StatePool allocates small state records out of a BlockPool with individual free.
// Freed records go onto power-of-two size-class free lists and are preferred over
// fresh pool ranges on the next allocation of the same class.
type StatePool struct {
	mu        sync.Mutex
	pool      *BlockPool
	freeLists *swiss.Map[int, []State]
}

// NewStatePool wraps pool with size-class free lists. The pool must reserve its
// zero offset out-of-band if callers rely on the zero-State sentinel; allocations
// here begin wherever the pool's cursor currently is.
func NewStatePool(pool *BlockPool) *StatePool {
	return &StatePool{
		pool:      pool,
		freeLists: swiss.NewMap[int, []State](8),
	}
}

// BackingPool returns the BlockPool this state pool carves from.
func (p *StatePool) BackingPool() *BlockPool {
	return p.pool
}

// Alloc returns a record of at least size bytes at the given alignment. The
// record's capacity is rounded up to the size class, so a Free/Alloc round trip of
// the same class reuses the same range.
func (p *StatePool) Alloc(size int, alignment uint) (State, error) {
	if size <= 0 {
		return State{}, errors.Errorf("invalid state allocation size %d", size)
	}

	class := NextPow2(size)

	if state, ok := p.takeFreeRecord(class, alignment); ok {
		// Re-derive the mapping: the pool may have grown since this record
		// was freed, invalidating the slice captured at that time.
		data := p.pool.Data()
		state.Data = data[state.Offset : state.Offset+class : state.Offset+class]
		state.Size = size
		DebugValidate(p)
		return state, nil
	}

	offset, err := p.pool.Alloc(class, alignment)
	if err != nil {
		return State{}, err
	}
	DebugValidate(p)

	data := p.pool.Data()
	return State{
		Data:   data[offset : offset+class : offset+class],
		Offset: offset,
		Size:   size,
	}, nil
}

// takeFreeRecord removes and returns a free record of the class whose offset
// already satisfies the requested alignment. Records freed from a looser-aligned
// allocation stay on the list for a request they can serve.
func (p *StatePool) takeFreeRecord(class int, alignment uint) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.freeLists.Get(class)
	if !ok {
		return State{}, false
	}
	for i := len(list) - 1; i >= 0; i-- {
		state := list[i]
		if AlignUp(state.Offset, alignment) != state.Offset {
			continue
		}
		list[i] = list[len(list)-1]
		p.freeLists.Put(class, list[:len(list)-1])
		return state, true
	}
	return State{}, false
}

// Free returns a record to its size-class free list. The record must have come from
// this pool's Alloc and must not be used afterward.
func (p *StatePool) Free(state State) {
	class := NextPow2(state.Size)

	p.mu.Lock()
	list, _ := p.freeLists.Get(class)
	p.freeLists.Put(class, append(list, state))
	p.mu.Unlock()

	DebugValidate(p)
}

// Validate checks the free-list invariants: every class is a power of two and
// every free record's range lies inside the backing pool at dword alignment.
// Hooked through DebugValidate under the debug_anvil build tag.
func (p *StatePool) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	poolSize := p.pool.Size()
	var err error
	p.freeLists.Iter(func(class int, list []State) bool {
		if e := CheckPow2(class, "state pool size class"); e != nil {
			err = e
			return true
		}
		for _, state := range list {
			if state.Offset < 0 || state.Offset+class > poolSize {
				err = errors.Errorf(
					"free record [%d, %d) escapes the %d-byte pool",
					state.Offset, state.Offset+class, poolSize)
				return true
			}
			if AlignDown(state.Offset, 4) != state.Offset {
				err = errors.Errorf("free record offset %d is not dword aligned", state.Offset)
				return true
			}
		}
		return false
	})
	return err
}

// StateStream allocates records scoped to one command buffer recording. There is no
// individual free; the whole stream is dropped at once with Finish. Records are
// carved from chunks claimed off the backing BlockPool on demand; finished chunks
// are recycled for the stream's next recording before any fresh pool range is
// claimed.
type StateStream struct {
	pool      *BlockPool
	chunkSize int

	next int
	end  int

	claimed []int
	free    []int
}

// NewStateStream creates a stream claiming chunkSize-byte chunks from pool.
// chunkSize must be a power of two.
func NewStateStream(pool *BlockPool, chunkSize int) *StateStream {
	DebugCheckPow2(uint(chunkSize), "state stream chunk size")
	return &StateStream{
		pool:      pool,
		chunkSize: chunkSize,
	}
}

func (s *StateStream) claimChunk() (int, error) {
	if n := len(s.free); n > 0 {
		chunk := s.free[n-1]
		s.free = s.free[:n-1]
		s.claimed = append(s.claimed, chunk)
		return chunk, nil
	}

	chunk, err := s.pool.Alloc(s.chunkSize, uint(s.chunkSize))
	if err != nil {
		return 0, err
	}
	s.claimed = append(s.claimed, chunk)
	return chunk, nil
}

// Alloc returns a size-byte record at the given alignment. Allocations from the
// same stream never overlap until Finish is called.
func (s *StateStream) Alloc(size int, alignment uint) (State, error) {
	if size > s.chunkSize {
		return State{}, errors.Errorf("state allocation of %d bytes exceeds the stream chunk size %d", size, s.chunkSize)
	}

	offset := AlignUp(s.next, alignment)
	if offset+size > s.end {
		chunk, err := s.claimChunk()
		if err != nil {
			return State{}, err
		}
		offset = chunk
		s.end = chunk + s.chunkSize
	}

	s.next = offset + size

	data := s.pool.Data()
	return State{
		Data:   data[offset : offset+size : offset+size],
		Offset: offset,
		Size:   size,
	}, nil
}

// Finish drops the stream's claim on every chunk of the recording. Outstanding
// records become invalid; the chunks go onto the stream's free list and back the
// next recording instead of growing the pool.
func (s *StateStream) Finish() {
	s.free = append(s.free, s.claimed...)
	s.claimed = s.claimed[:0]
	s.next = 0
	s.end = 0
}
