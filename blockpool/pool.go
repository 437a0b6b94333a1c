package blockpool

import (
	"context"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/anvil/gem"
)

// BlockPool hands out monotonically increasing byte ranges from a single growable
// backing Block. When a request does not fit, the pool reallocates the backing at
// twice the size, preserving already-written contents.
//
// Growth is the documented hazard of this type: any Alloc call may replace the
// backing mapping and reset the observed GPU address, so callers must re-read
// Data() (and anything derived from it) after every allocation that could have
// grown the pool. Range offsets remain valid across growth; mappings do not.
type BlockPool struct {
	mu     sync.Mutex
	logger *slog.Logger

	block *Block
	next  int
	stats DetailedStatistics
}

// NewBlockPool creates a pool with an initial backing block of initialSize bytes,
// which must be a power of two.
func NewBlockPool(logger *slog.Logger, device gem.Interface, initialSize int) (*BlockPool, error) {
	if err := CheckPow2(initialSize, "initial block pool size"); err != nil {
		return nil, err
	}

	block, err := NewBlock(device, initialSize)
	if err != nil {
		return nil, err
	}

	pool := &BlockPool{
		logger: logger,
		block:  block,
	}
	pool.stats.Clear()
	pool.stats.BlockCount = 1
	pool.stats.BlockBytes = initialSize
	return pool, nil
}

// Alloc carves out a size-byte range at the given alignment and returns its byte
// offset from the pool base. See the type comment for the growth hazard.
func (p *BlockPool) Alloc(size int, alignment uint) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	DebugCheckPow2(uint(alignment), "block pool allocation alignment")

	offset := AlignUp(p.next, alignment)
	for offset+size > p.block.Size {
		if err := p.grow(offset + size); err != nil {
			return 0, err
		}
	}

	p.next = offset + size
	p.stats.AddAllocation(size)
	return offset, nil
}

func (p *BlockPool) grow(required int) error {
	newSize := p.block.Size * 2
	for newSize < required {
		newSize *= 2
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "BlockPool::grow",
		slog.Int("oldSize", p.block.Size),
		slog.Int("newSize", newSize))

	if err := p.block.Reallocate(newSize); err != nil {
		return err
	}

	p.stats.GrowthCount++
	p.stats.BlockBytes = newSize
	return nil
}

// Block returns the pool's backing block. The same *Block is returned for the
// pool's whole lifetime; its mapping and address change across growth.
func (p *BlockPool) Block() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block
}

// Data returns the current full mapping of the pool's backing. Invalidated by any
// allocation that grows the pool.
func (p *BlockPool) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block.Data
}

// Size returns the current backing size in bytes.
func (p *BlockPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block.Size
}

// AddDetailedStatistics sums this pool's allocation statistics into stats.
func (p *BlockPool) AddDetailedStatistics(stats *DetailedStatistics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats.Statistics.AddStatistics(&p.stats.Statistics)
	stats.GrowthCount += p.stats.GrowthCount
	if p.stats.AllocationSizeMin < stats.AllocationSizeMin {
		stats.AllocationSizeMin = p.stats.AllocationSizeMin
	}
	if p.stats.AllocationSizeMax > stats.AllocationSizeMax {
		stats.AllocationSizeMax = p.stats.AllocationSizeMax
	}
}

// PoolJsonData populates a json object with information about this pool.
func (p *BlockPool) PoolJsonData(json jwriter.ObjectState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.PrintJson(json)
	json.Name("NextOffset").Int(p.next)
}

// Destroy releases the backing block.
func (p *BlockPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block.Destroy()
}
