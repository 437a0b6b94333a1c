package batch

import (
	"github.com/vkngwrapper/anvil/blockpool"
)

// Node is one link of a command buffer's chain: it owns one backing block and
// remembers which slice of the relocation list belongs to the bytes recorded into
// that block. Nodes link newest-first; walking Prev reaches the chain's origin.
type Node struct {
	Block *blockpool.Block

	// Length is the finalized byte length of the instruction stream in this
	// node's block, set by Finish.
	Length int
	// FirstReloc and NumRelocs delimit this node's slice of the shared
	// relocation list.
	FirstReloc int
	NumRelocs  int

	Prev *Node
}

// NewNode claims a block from the pool and wraps it in an unlinked chain node.
func NewNode(pool *blockpool.BOPool) (*Node, error) {
	block, err := pool.Alloc()
	if err != nil {
		return nil, err
	}
	return &Node{Block: block}, nil
}

// Start points b at this node's block, holding back padding bytes for the chain
// jump, and records where this node's relocations begin.
func (n *Node) Start(b *Batch, padding int) {
	b.SetBuffer(n.Block.Data, padding)
	n.FirstReloc = b.Relocs.Len()
}

// Finish freezes this node's byte length and relocation count from the batch
// cursor. The batch must still be pointed at this node's block.
func (n *Node) Finish(b *Batch) {
	n.Length = b.Used()
	n.NumRelocs = b.Relocs.Len() - n.FirstReloc
}

// Destroy returns the node's block to the pool.
func (n *Node) Destroy(pool *blockpool.BOPool) {
	pool.Free(n.Block)
	n.Block = nil
}
