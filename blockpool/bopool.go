package blockpool

import (
	"sync"

	"github.com/vkngwrapper/anvil/gem"
)

// BOPool recycles fixed-size backing blocks. Command buffer chains allocate every
// chain node from one of these so that reset/destroy cycles do not round-trip
// through the kernel allocator.
type BOPool struct {
	mu     sync.Mutex
	device gem.Interface

	blockSize int
	free      []*Block
}

// NewBOPool creates a pool of blockSize-byte blocks.
func NewBOPool(device gem.Interface, blockSize int) *BOPool {
	return &BOPool{
		device:    device,
		blockSize: blockSize,
	}
}

// BlockSize returns the fixed size of every block this pool hands out.
func (p *BOPool) BlockSize() int {
	return p.blockSize
}

// Alloc returns a free block, allocating a fresh one if the free list is empty.
func (p *BOPool) Alloc() (*Block, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		block := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return block, nil
	}
	p.mu.Unlock()

	return NewBlock(p.device, p.blockSize)
}

// Free returns a block to the pool. The block keeps its mapping and observed
// address, so a recycled block's relocations can still hit the no-reloc fast path.
func (p *BOPool) Free(block *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, block)
}

// Destroy releases every block on the free list. Blocks still handed out must be
// freed or destroyed by their owners first.
func (p *BOPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, block := range p.free {
		if err := block.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	return firstErr
}
