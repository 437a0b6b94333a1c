package anvil

import (
	"encoding/binary"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/hw"
)

// flushState materializes every dirty piece of graphics binding state into the
// live stream ahead of a draw: front-end selection, vertex buffers, the
// pipeline's prebuilt batch, descriptor tables, viewport pointers, and the merged
// pipeline/dynamic half-packets.
func (c *CommandBuffer) flushState() error {
	pipeline := c.pipeline
	if pipeline == nil {
		panic("drawing with no graphics pipeline bound")
	}

	if c.currentPipeline != hw.Pipeline3D {
		if _, err := c.batch.EmitPacked(hw.PipelineSelect{Selection: hw.Pipeline3D}); err != nil {
			return err
		}
		c.currentPipeline = hw.Pipeline3D
	}

	vbEmit := c.vbDirty & pipeline.vbUsed
	if vbEmit != 0 {
		if err := c.emitVertexBuffers(vbEmit); err != nil {
			return err
		}
	}

	if c.dirty&dirtyPipeline != 0 {
		if pipeline.totalScratch > c.scratchSize {
			c.scratchSize = pipeline.totalScratch
			if err := c.emitStateBaseAddress(); err != nil {
				return err
			}
		}
		if err := c.batch.EmitBatch(&pipeline.batch); err != nil {
			return err
		}
	}

	if c.descriptorsDirty&pipeline.activeStages != 0 {
		if err := c.flushDescriptorSets(); err != nil {
			return err
		}
	}

	if c.dirty&dirtyViewport != 0 && c.viewportState != nil {
		vp := c.viewportState
		for _, packet := range []hw.PointerPacket{
			{SubOpcode: hw.PointerScissor, Pointer: uint32(vp.scissor.Offset)},
			{SubOpcode: hw.PointerViewportCC, Pointer: uint32(vp.ccViewport.Offset)},
			{SubOpcode: hw.PointerViewportSF, Pointer: uint32(vp.sfClip.Offset)},
		} {
			if _, err := c.batch.EmitPacked(packet); err != nil {
				return err
			}
		}
	}

	if c.dirty&(dirtyRaster|dirtyPipeline) != 0 && c.rasterState != nil {
		p, _, err := c.batch.Emit(hw.SFStateLength * 4)
		if err != nil {
			return err
		}
		hw.MergeDwords(p, pipeline.stateSF[:], c.rasterState.stateSF[:])

		p, _, err = c.batch.Emit(hw.RasterStateLength * 4)
		if err != nil {
			return err
		}
		hw.MergeDwords(p, pipeline.stateRaster[:], c.rasterState.stateRaster[:])
	}

	if c.dirty&(dirtyDepthStencil|dirtyPipeline) != 0 && c.depthStencil != nil {
		p, _, err := c.batch.Emit(hw.WMDepthStencilLength * 4)
		if err != nil {
			return err
		}
		hw.MergeDwords(p, pipeline.stateWMDepthStencil[:], c.depthStencil.stateWMDepthStencil[:])
	}

	if c.dirty&(dirtyColorBlend|dirtyDepthStencil) != 0 &&
		(c.colorBlendState != nil || c.depthStencil != nil) {
		if err := c.emitColorCalcState(); err != nil {
			return err
		}
	}

	if c.dirty&(dirtyPipeline|dirtyIndexBuffer) != 0 {
		p, _, err := c.batch.Emit(hw.VFStateLength * 4)
		if err != nil {
			return err
		}
		hw.MergeDwords(p, pipeline.stateVF[:], c.stateVF[:])
	}

	c.vbDirty &^= vbEmit
	c.dirty &= dirtyComputePipeline
	return nil
}

// emitVertexBuffers emits one vertex buffer instruction covering every slot in
// mask. The whole instruction is reserved in one emit so a chain boundary can
// never split the header from its records.
func (c *CommandBuffer) emitVertexBuffers(mask uint32) error {
	count := bits.OnesCount32(mask)
	size := 4 + count*hw.VertexBufferStateLength

	p, offset, err := c.batch.Emit(size)
	if err != nil {
		return err
	}
	hw.VertexBuffersHeader{Count: count}.PackInto(p)

	recordOffset := 4
	for slot := 0; slot < MaxVertexBuffers; slot++ {
		if mask&(1<<slot) == 0 {
			continue
		}
		binding := c.vertexBindings[slot]
		if binding.buffer == nil {
			panic("pipeline reads a vertex buffer slot with no buffer bound")
		}

		address := c.batch.EmitReloc(
			offset+recordOffset, hw.VertexBufferAddressOffset,
			binding.buffer.Block, uint64(binding.offset))
		hw.VertexBufferState{
			Index:   uint32(slot),
			Pitch:   c.pipeline.bindingStride[slot],
			Address: address,
			Size:    uint32(binding.buffer.Size - binding.offset),
		}.PackInto(p[recordOffset:])
		recordOffset += hw.VertexBufferStateLength
	}
	return nil
}

// emitColorCalcState merges the blend-constant and stencil-reference halves into
// a fresh color calc record in the recording's dynamic stream and points the
// hardware at it.
func (c *CommandBuffer) emitColorCalcState() error {
	var blendHalf, stencilHalf [colorCalcDwords]uint32
	if c.colorBlendState != nil {
		blendHalf = c.colorBlendState.stateColorCalc
	}
	if c.depthStencil != nil {
		stencilHalf = c.depthStencil.stateColorCalc
	}

	state, err := c.dynamicStream.Alloc(hw.ColorCalcStateSize, hw.ColorCalcStateAlign)
	if err != nil {
		return cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	hw.MergeDwords(state.Data, blendHalf[:], stencilHalf[:])

	_, err = c.batch.EmitPacked(hw.PointerPacket{
		SubOpcode: hw.PointerColorCalc,
		Pointer:   uint32(state.Offset),
	})
	return err
}

// flushDescriptorSets materializes binding and sampler tables for every dirty
// graphics stage. If the surface node runs out of room mid-flush, it is rolled
// exactly once and every active stage is re-flushed against the fresh node;
// failing again is fatal to the recording.
func (c *CommandBuffer) flushDescriptorSets() error {
	stages := c.descriptorsDirty & c.pipeline.activeStages & AllGraphicsStages

	flush := func(stages StageFlags) error {
		for s := StageVertex; s < StageCompute; s++ {
			if !stages.Has(s) {
				continue
			}
			if err := c.flushDescriptorSet(s); err != nil {
				return err
			}
		}
		return nil
	}

	err := flush(stages)
	if err != nil && errors.Is(err, blockpool.OutOfSpaceError) {
		if err := c.newSurfaceNode(); err != nil {
			return err
		}
		// Tables already materialized this flush live in the abandoned node, so
		// every active stage goes again, not just the still-dirty ones.
		stages = c.pipeline.activeStages & AllGraphicsStages
		if err := flush(stages); err != nil {
			return cerrors.CombineErrors(ErrDeviceLost, err)
		}
	} else if err != nil {
		return err
	}

	c.descriptorsDirty &^= stages
	return nil
}

// flushDescriptorSet materializes one stage's tables and emits the table
// pointer packets for whichever tables the stage actually has.
func (c *CommandBuffer) flushDescriptorSet(s Stage) error {
	tableOffset, hasTable, err := c.emitBindingTable(s, c.pipeline.Layout)
	if err != nil {
		return err
	}
	samplerOffset, hasSamplers, err := c.emitSamplers(s, c.pipeline.Layout)
	if err != nil {
		return err
	}

	if hasSamplers {
		if _, err := c.batch.EmitPacked(hw.TablePointers{
			SubOpcode: samplerStateSubOpcodes[s],
			Pointer:   uint32(samplerOffset),
		}); err != nil {
			return err
		}
	}
	if hasTable {
		if _, err := c.batch.EmitPacked(hw.TablePointers{
			SubOpcode: bindingTableSubOpcodes[s],
			Pointer:   uint32(tableOffset),
		}); err != nil {
			return err
		}
	}
	return nil
}

// emitBindingTable builds one stage's binding table in the current surface node:
// for the fragment stage, MaxRenderTargets leading slots filled from the
// framebuffer's color attachments, then one slot per descriptor-declared surface.
// Each filled slot gets a fresh surface record copy with its own relocation;
// holes stay zero, the reserved "unbound" offset.
func (c *CommandBuffer) emitBindingTable(s Stage, layout *PipelineLayout) (int, bool, error) {
	bias := 0
	if s == StageFragment {
		bias = MaxRenderTargets
	}
	slotCount := bias + layout.stage[s].surfaceCount
	if slotCount == 0 {
		return 0, false, nil
	}

	tableOffset, table, err := c.allocSurfaceState(slotCount*4, hw.BindingTableAlign)
	if err != nil {
		return 0, false, err
	}
	for i := range table {
		table[i] = 0
	}

	putSlot := func(slot int, stateOffset int) {
		binary.LittleEndian.PutUint32(table[slot*4:], uint32(stateOffset))
	}

	if s == StageFragment && c.framebuffer != nil {
		for a, view := range c.framebuffer.colorAttachments {
			stateOffset, err := c.emitSurfaceCopy(view, view.Offset, view.Range)
			if err != nil {
				return 0, false, err
			}
			putSlot(a, stateOffset)
		}
	}

	for setIndex := range layout.sets {
		setInfo := &layout.sets[setIndex]
		binding := &c.descriptors[setIndex]
		if binding.set == nil {
			continue
		}

		slots := setInfo.layout.stage[s].surfaceSlots
		start := setInfo.surfaceStart[s]
		for b, slot := range slots {
			view := binding.set.descriptors[slot.index].View
			if view == nil {
				continue
			}

			viewOffset := view.Offset
			viewRange := view.Range
			if slot.dynamicSlot >= 0 {
				dynamic := int(binding.dynamicOffsets[slot.dynamicSlot])
				viewOffset += dynamic
				viewRange -= dynamic
			}

			stateOffset, err := c.emitSurfaceCopy(view, viewOffset, viewRange)
			if err != nil {
				return 0, false, err
			}
			putSlot(bias+start+b, stateOffset)
		}
	}

	return tableOffset, true, nil
}

// emitSurfaceCopy places one surface record into the current surface node for
// the given window and covers its embedded address with a relocation.
func (c *CommandBuffer) emitSurfaceCopy(view *SurfaceView, offset, rng int) (int, error) {
	stateOffset, data, err := c.allocSurfaceState(hw.SurfaceStateSize, hw.SurfaceStateAlign)
	if err != nil {
		return 0, err
	}

	if offset == view.Offset && rng == view.Range {
		copy(data, view.state.Data[:hw.SurfaceStateSize])
	} else {
		view.pack(data, offset, rng)
	}

	address := c.surfaceRelocs.Add(
		stateOffset+hw.SurfaceStateAddressOffset, view.Buffer.Block, uint64(offset))
	hw.PutAddress(data, hw.SurfaceStateAddressOffset, address)
	return stateOffset, nil
}

// emitSamplers builds one stage's sampler table in the recording's dynamic
// stream. Sampler records embed no addresses, so the copies need no relocations.
func (c *CommandBuffer) emitSamplers(s Stage, layout *PipelineLayout) (int, bool, error) {
	samplerCount := layout.stage[s].samplerCount
	if samplerCount == 0 {
		return 0, false, nil
	}

	state, err := c.dynamicStream.Alloc(samplerCount*hw.SamplerStateSize, hw.SamplerStateAlign)
	if err != nil {
		return 0, false, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	for i := range state.Data {
		state.Data[i] = 0
	}

	for setIndex := range layout.sets {
		setInfo := &layout.sets[setIndex]
		binding := &c.descriptors[setIndex]
		if binding.set == nil {
			continue
		}

		slots := setInfo.layout.stage[s].samplerSlots
		start := setInfo.samplerStart[s]
		for b, slot := range slots {
			sampler := binding.set.descriptors[slot.index].Sampler
			if sampler == nil {
				continue
			}
			copy(state.Data[(start+b)*hw.SamplerStateSize:], sampler.state[:])
		}
	}

	return state.Offset, true, nil
}

// flushComputeState materializes compute binding state ahead of a dispatch: the
// front-end selection and, when dirty, a fresh interface descriptor pointing at
// the pipeline's kernel and this dispatch's tables.
func (c *CommandBuffer) flushComputeState() error {
	pipeline := c.computePipeline
	if pipeline == nil {
		panic("dispatching with no compute pipeline bound")
	}

	if c.currentPipeline != hw.PipelineGPGPU {
		if _, err := c.batch.EmitPacked(hw.PipelineSelect{Selection: hw.PipelineGPGPU}); err != nil {
			return err
		}
		c.currentPipeline = hw.PipelineGPGPU
	}

	if c.dirty&dirtyComputePipeline == 0 && !c.descriptorsDirty.Has(StageCompute) {
		return nil
	}

	if pipeline.totalScratch > c.scratchSize {
		c.scratchSize = pipeline.totalScratch
		if err := c.emitStateBaseAddress(); err != nil {
			return err
		}
	}

	err := c.flushComputeDescriptorSet()
	if err != nil && errors.Is(err, blockpool.OutOfSpaceError) {
		if err := c.newSurfaceNode(); err != nil {
			return err
		}
		if err := c.flushComputeDescriptorSet(); err != nil {
			return cerrors.CombineErrors(ErrDeviceLost, err)
		}
	} else if err != nil {
		return err
	}

	c.dirty &^= dirtyComputePipeline
	c.descriptorsDirty &^= StageComputeBit
	return nil
}

// flushComputeDescriptorSet materializes the compute tables and packs a fresh
// interface descriptor into the persistent dynamic state pool. Table offsets are
// base-relative, so the descriptor itself needs no relocations.
func (c *CommandBuffer) flushComputeDescriptorSet() error {
	pipeline := c.computePipeline
	layout := pipeline.Layout

	tableOffset, _, err := c.emitBindingTable(StageCompute, layout)
	if err != nil {
		return err
	}
	samplerOffset, _, err := c.emitSamplers(StageCompute, layout)
	if err != nil {
		return err
	}

	state, err := c.device.dynamicStatePool.Alloc(hw.InterfaceDescriptorSize, hw.InterfaceDescriptorAlign)
	if err != nil {
		return cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	hw.InterfaceDescriptor{
		KernelStart:  pipeline.kernelStart,
		BindingTable: uint32(tableOffset),
		SamplerState: uint32(samplerOffset),
	}.PackInto(state.Data)

	_, err = c.batch.EmitPacked(hw.InterfaceDescriptorLoad{
		Length: hw.InterfaceDescriptorSize,
		Offset: uint32(state.Offset),
	})
	return err
}
