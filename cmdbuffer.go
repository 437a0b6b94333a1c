package anvil

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/anvil/batch"
	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/gem"
	"github.com/vkngwrapper/anvil/hw"
)

// initialExecObjectCapacity sizes a command buffer's object array before the
// first doubling.
const initialExecObjectCapacity = 64

type dirtyFlags uint32

const (
	dirtyPipeline dirtyFlags = 1 << iota
	dirtyViewport
	dirtyRaster
	dirtyColorBlend
	dirtyDepthStencil
	dirtyIndexBuffer
	dirtyComputePipeline
)

type vertexBufferBinding struct {
	buffer *Buffer
	offset int
}

type descriptorSetBinding struct {
	set            *DescriptorSet
	dynamicOffsets [MaxDynamicBuffers]uint32
}

// CommandBuffer records an instruction stream plus everything needed to hand it
// to the kernel in one request: a growable chain of batch nodes, a parallel chain
// of surface nodes holding per-draw tables, relocation lists for both, and the
// binding state the flush protocol materializes from.
//
// A command buffer is recorded by exactly one goroutine and takes no locks while
// recording. The device mutex is held only inside end, where blocks' submission
// indices are scratch state shared across command buffers.
type CommandBuffer struct {
	device *Device
	logger *slog.Logger

	batch    batch.Batch
	lastNode *batch.Node

	surfaceNode   *batch.Node
	surfaceRelocs *batch.RelocList
	// surfaceNext is the byte cursor within the current surface node. It starts
	// at 1 so that table offset 0 always means "unbound"; the first aligned
	// allocation lands past it.
	surfaceNext int

	dynamicStream *blockpool.StateStream

	dirty            dirtyFlags
	vbDirty          uint32
	descriptorsDirty StageFlags

	pipeline        *Pipeline
	computePipeline *Pipeline
	viewportState   *ViewportState
	rasterState     *RasterState
	colorBlendState *ColorBlendState
	depthStencil    *DepthStencilState

	vertexBindings [MaxVertexBuffers]vertexBufferBinding
	descriptors    [MaxSets]descriptorSetBinding

	// stateVF is the recording's half of the merged VF packet, packed when an
	// index buffer is bound.
	stateVF [hw.VFStateLength]uint32

	framebuffer *Framebuffer
	pass        *RenderPass

	// currentPipeline is the hardware front-end selection last emitted, or all
	// ones before any selection.
	currentPipeline uint32
	// scratchSize is the scratch span covered by the last emitted state base
	// address instruction.
	scratchSize int

	began bool
	ended bool

	execObjects []gem.ExecObject
	execBlocks  []*blockpool.Block
	execRelocs  [][]batch.Reloc
	execReq     gem.ExecRequest
}

// CreateCommandBuffer creates a command buffer with one batch node and one
// surface node ready for recording.
func (d *Device) CreateCommandBuffer() (*CommandBuffer, error) {
	c := &CommandBuffer{
		device:          d,
		logger:          d.logger,
		currentPipeline: ^uint32(0),
		execObjects:     make([]gem.ExecObject, 0, initialExecObjectCapacity),
		execBlocks:      make([]*blockpool.Block, 0, initialExecObjectCapacity),
		execRelocs:      make([][]batch.Reloc, 0, initialExecObjectCapacity),
	}

	node, err := batch.NewNode(d.batchPool)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	c.lastNode = node
	c.batch.Relocs = batch.NewRelocList()
	c.batch.Extend = c.chainBatch
	node.Start(&c.batch, hw.BatchBufferStartLength)

	c.surfaceNode, err = batch.NewNode(d.batchPool)
	if err != nil {
		node.Destroy(d.batchPool)
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	c.surfaceRelocs = batch.NewRelocList()
	c.surfaceNext = 1

	c.dynamicStream = blockpool.NewStateStream(d.dynamicStateBlockPool, stateStreamChunkSize)

	return c, nil
}

// chainBatch is the batch extend callback: it closes the current node with a jump
// to a fresh one and re-points the batch there. The jump's target address is
// covered by a relocation charged to the old node.
func (c *CommandBuffer) chainBatch(b *batch.Batch, size int) error {
	newNode, err := batch.NewNode(c.device.batchPool)
	if err != nil {
		return cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	b.RestorePadding(hw.BatchBufferStartLength)
	p, offset, err := b.Emit(hw.BatchBufferStartLength)
	if err != nil {
		newNode.Destroy(c.device.batchPool)
		return err
	}
	address := b.EmitReloc(offset, hw.BatchBufferStartAddressOffset, newNode.Block, 0)
	hw.BatchBufferStart{Address: address}.PackInto(p)

	c.lastNode.Finish(b)
	newNode.Prev = c.lastNode
	c.lastNode = newNode
	newNode.Start(b, hw.BatchBufferStartLength)
	return nil
}

// allocSurfaceState carves a table or record out of the current surface node.
// The error reports the node being full; flushDescriptorSets answers it by
// rolling to a fresh node and re-flushing.
func (c *CommandBuffer) allocSurfaceState(size int, alignment uint) (int, []byte, error) {
	offset := blockpool.AlignUp(c.surfaceNext, alignment)
	if offset+size > c.surfaceNode.Block.Size {
		return 0, nil, errors.WithStack(blockpool.OutOfSpaceError)
	}
	c.surfaceNext = offset + size
	return offset, c.surfaceNode.Block.Data[offset : offset+size : offset+size], nil
}

// newSurfaceNode closes the current surface node and rolls to a fresh one,
// re-pinning the surface base and invalidating stale cached surface reads.
func (c *CommandBuffer) newSurfaceNode() error {
	node, err := batch.NewNode(c.device.batchPool)
	if err != nil {
		return cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	c.surfaceNode.Length = c.surfaceNext
	c.surfaceNode.NumRelocs = c.surfaceRelocs.Len() - c.surfaceNode.FirstReloc

	node.Prev = c.surfaceNode
	node.FirstReloc = c.surfaceRelocs.Len()
	c.surfaceNode = node
	c.surfaceNext = 1

	if _, err := c.batch.EmitPacked(hw.PipeControl{TextureCacheInvalidate: true}); err != nil {
		return err
	}
	return c.emitStateBaseAddress()
}

// emitStateBaseAddress pins the four state bases. The surface base tracks the
// current surface node; dynamic and instruction bases track the device pools.
// The general base is pinned only once a bound pipeline needs scratch.
func (c *CommandBuffer) emitStateBaseAddress() error {
	p, offset, err := c.batch.Emit(hw.StateBaseAddressLength)
	if err != nil {
		return err
	}

	var general uint64
	if c.scratchSize > 0 {
		general = c.batch.EmitReloc(offset, hw.GeneralBaseOffset, c.device.scratchBlock, 0)
	}
	surface := c.batch.EmitReloc(offset, hw.SurfaceBaseOffset, c.surfaceNode.Block, 0)
	dynamic := c.batch.EmitReloc(offset, hw.DynamicBaseOffset, c.device.dynamicStateBlockPool.Block(), 0)
	instruction := c.batch.EmitReloc(offset, hw.InstructionBaseOffset, c.device.instructionBlockPool.Block(), 0)

	hw.StateBaseAddress{
		General:     general,
		Surface:     surface,
		Dynamic:     dynamic,
		Instruction: instruction,
	}.PackInto(p)
	return nil
}

// Begin opens the command buffer for recording.
func (c *CommandBuffer) Begin() error {
	if c.began {
		panic("attempting to begin a command buffer that is already recording")
	}
	c.began = true
	c.currentPipeline = ^uint32(0)
	return c.emitStateBaseAddress()
}

// addExecObject records a block for submission and returns its object index.
// Blocks already recorded keep their index; a late-arriving relocation slice for
// such a block is attached then.
func (c *CommandBuffer) addExecObject(block *blockpool.Block, relocs []batch.Reloc) int {
	if block.Index < len(c.execBlocks) && c.execBlocks[block.Index] == block {
		if relocs != nil && c.execRelocs[block.Index] == nil {
			c.execRelocs[block.Index] = relocs
		}
		return block.Index
	}

	index := len(c.execBlocks)
	block.Index = index
	c.execBlocks = append(c.execBlocks, block)
	c.execRelocs = append(c.execRelocs, relocs)
	c.execObjects = append(c.execObjects, gem.ExecObject{
		Handle: block.Handle,
		Offset: block.Address,
	})
	return index
}

// addRelocTargets ensures every target of the given relocation list is in the
// object array before any object whose relocations point at it is finalized.
func (c *CommandBuffer) addRelocTargets(list *batch.RelocList) {
	for i := 0; i < list.Len(); i++ {
		c.addExecObject(list.At(i).Target, nil)
	}
}

// End closes recording and packages the submission: the object array, the
// per-object relocation entries, and the global no-relocation decision. The
// batch's first node is placed at the highest object index, where the kernel
// expects the batch object.
func (c *CommandBuffer) End() error {
	if !c.began {
		panic("attempting to end a command buffer that never began recording")
	}
	if c.ended {
		panic("attempting to end a command buffer twice")
	}

	if _, err := c.batch.EmitPacked(hw.BatchBufferEnd{}); err != nil {
		return err
	}
	for c.batch.Used()%8 != 0 {
		if _, err := c.batch.EmitPacked(hw.Noop{}); err != nil {
			return err
		}
	}

	c.lastNode.Finish(&c.batch)
	c.surfaceNode.Length = c.surfaceNext
	c.surfaceNode.NumRelocs = c.surfaceRelocs.Len() - c.surfaceNode.FirstReloc

	c.device.mu.Lock()
	defer c.device.mu.Unlock()

	c.execObjects = c.execObjects[:0]
	c.execBlocks = c.execBlocks[:0]
	c.execRelocs = c.execRelocs[:0]

	for node := c.surfaceNode; node != nil; node = node.Prev {
		c.addExecObject(node.Block,
			c.surfaceRelocs.Slice(node.FirstReloc, node.FirstReloc+node.NumRelocs))
	}
	c.addRelocTargets(c.surfaceRelocs)

	for node := c.lastNode; node.Prev != nil; node = node.Prev {
		c.addExecObject(node.Block,
			c.batch.Relocs.Slice(node.FirstReloc, node.FirstReloc+node.NumRelocs))
	}
	c.addRelocTargets(c.batch.Relocs)

	firstNode := c.lastNode
	for firstNode.Prev != nil {
		firstNode = firstNode.Prev
	}
	batchIndex := c.addExecObject(firstNode.Block,
		c.batch.Relocs.Slice(firstNode.FirstReloc, firstNode.FirstReloc+firstNode.NumRelocs))
	if batchIndex != len(c.execObjects)-1 {
		panic("batch object did not land at the highest submission index")
	}

	// Finalize: translate block-pointer relocations into index-based kernel
	// entries and decide whether any embedded address has gone stale.
	needReloc := false
	for i := range c.execObjects {
		c.execObjects[i].Offset = c.execBlocks[i].Address

		relocs := c.execRelocs[i]
		if len(relocs) == 0 {
			c.execObjects[i].Relocs = nil
			continue
		}
		entries := make([]gem.RelocEntry, len(relocs))
		for j, rel := range relocs {
			entries[j] = gem.RelocEntry{
				TargetIndex: uint32(rel.Target.Index),
				Offset:      rel.Offset,
				Delta:       rel.Delta,
				Presumed:    rel.Presumed,
			}
			// A target that has never come back from the kernel has no trusted
			// placement yet; only a confirmed, unmoved address keeps the fast path.
			if rel.Presumed != rel.Target.Address || rel.Target.Address == 0 {
				needReloc = true
			}
		}
		c.execObjects[i].Relocs = entries
	}

	c.execReq = gem.ExecRequest{
		Objects:     c.execObjects,
		BatchObject: batchIndex,
		BatchStart:  0,
		BatchLen:    firstNode.Length,
		NoReloc:     !needReloc,
		ContextID:   c.device.contextID,
	}

	c.ended = true
	return nil
}

// Reset returns the command buffer to a fresh recording state, keeping the first
// node of each chain and releasing the rest back to the block pool.
func (c *CommandBuffer) Reset() {
	for node := c.lastNode; node.Prev != nil; {
		prev := node.Prev
		node.Destroy(c.device.batchPool)
		node = prev
		c.lastNode = node
	}
	for node := c.surfaceNode; node.Prev != nil; {
		prev := node.Prev
		node.Destroy(c.device.batchPool)
		node = prev
		c.surfaceNode = node
	}

	c.batch.Relocs.Reset()
	c.surfaceRelocs.Reset()
	c.lastNode.Start(&c.batch, hw.BatchBufferStartLength)
	c.lastNode.Length = 0
	c.lastNode.NumRelocs = 0
	c.surfaceNode.FirstReloc = 0
	c.surfaceNode.NumRelocs = 0
	c.surfaceNode.Length = 0
	c.surfaceNext = 1

	c.dynamicStream.Finish()

	c.dirty = 0
	c.vbDirty = 0
	c.descriptorsDirty = 0
	c.pipeline = nil
	c.computePipeline = nil
	c.viewportState = nil
	c.rasterState = nil
	c.colorBlendState = nil
	c.depthStencil = nil
	c.vertexBindings = [MaxVertexBuffers]vertexBufferBinding{}
	c.descriptors = [MaxSets]descriptorSetBinding{}
	c.stateVF = [hw.VFStateLength]uint32{}
	c.framebuffer = nil
	c.pass = nil
	c.currentPipeline = ^uint32(0)
	c.scratchSize = 0
	c.began = false
	c.ended = false

	c.execObjects = c.execObjects[:0]
	c.execBlocks = c.execBlocks[:0]
	c.execRelocs = c.execRelocs[:0]
	c.execReq = gem.ExecRequest{}
}

// Destroy releases every chain node back to the device block pool.
func (c *CommandBuffer) Destroy() error {
	for node := c.lastNode; node != nil; {
		prev := node.Prev
		node.Destroy(c.device.batchPool)
		node = prev
	}
	for node := c.surfaceNode; node != nil; {
		prev := node.Prev
		node.Destroy(c.device.batchPool)
		node = prev
	}
	c.lastNode = nil
	c.surfaceNode = nil
	return nil
}
