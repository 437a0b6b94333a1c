package anvil

import (
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/hw"
)

// BindPipeline binds a graphics or compute pipeline. The affected stages'
// descriptor tables are re-materialized at the next draw or dispatch.
func (c *CommandBuffer) BindPipeline(pipeline *Pipeline) {
	if pipeline.IsCompute() {
		c.computePipeline = pipeline
		c.dirty |= dirtyComputePipeline
	} else {
		c.pipeline = pipeline
		c.vbDirty |= pipeline.vbUsed
		c.dirty |= dirtyPipeline
	}
	c.descriptorsDirty |= pipeline.activeStages
}

// BindDescriptorSets binds sets to consecutive binding points starting at
// firstSet. dynamicOffsets supplies one offset per dynamic-buffer descriptor
// across the bound sets, in set order.
func (c *CommandBuffer) BindDescriptorSets(firstSet int, sets []*DescriptorSet, dynamicOffsets []uint32) {
	if firstSet < 0 || firstSet+len(sets) > MaxSets {
		panic("descriptor set binding point out of range")
	}

	for i, set := range sets {
		binding := &c.descriptors[firstSet+i]
		binding.set = set

		numDynamic := set.layout.numDynamicBuffers
		if len(dynamicOffsets) < numDynamic {
			panic("not enough dynamic offsets for the bound descriptor sets")
		}
		copy(binding.dynamicOffsets[:numDynamic], dynamicOffsets[:numDynamic])
		dynamicOffsets = dynamicOffsets[numDynamic:]

		c.descriptorsDirty |= set.layout.shaderStages
	}

	if len(dynamicOffsets) != 0 {
		panic("more dynamic offsets supplied than the bound descriptor sets declare")
	}
}

// BindVertexBuffers binds buffers to consecutive vertex buffer slots starting at
// firstBinding.
func (c *CommandBuffer) BindVertexBuffers(firstBinding int, buffers []*Buffer, offsets []int) {
	if firstBinding < 0 || firstBinding+len(buffers) > MaxVertexBuffers {
		panic("vertex buffer binding slot out of range")
	}
	if len(buffers) != len(offsets) {
		panic("vertex buffer and offset counts do not match")
	}

	for i, buffer := range buffers {
		c.vertexBindings[firstBinding+i] = vertexBufferBinding{
			buffer: buffer,
			offset: offsets[i],
		}
		c.vbDirty |= 1 << (firstBinding + i)
	}
}

// BindIndexBuffer binds the index buffer immediately and packs the recording's
// half of the merged VF packet with the cut index for the chosen format.
func (c *CommandBuffer) BindIndexBuffer(buffer *Buffer, offset int, format uint32) error {
	cutIndex := uint32(0xFFFF)
	if format == hw.IndexFormatDword {
		cutIndex = 0x3FFFFFFF
	}
	c.stateVF[1] = cutIndex
	c.dirty |= dirtyIndexBuffer

	p, recordOffset, err := c.batch.Emit(hw.IndexBufferLength)
	if err != nil {
		return err
	}
	address := c.batch.EmitReloc(recordOffset, hw.IndexBufferAddressOffset, buffer.Block, uint64(offset))
	hw.IndexBuffer{
		Format:  format,
		Address: address,
		Size:    uint32(buffer.Size - offset),
	}.PackInto(p)
	return nil
}

// BindViewportState binds viewport and scissor records for subsequent draws.
func (c *CommandBuffer) BindViewportState(state *ViewportState) {
	c.viewportState = state
	c.dirty |= dirtyViewport
}

// BindRasterState binds the dynamic rasterizer half-packets.
func (c *CommandBuffer) BindRasterState(state *RasterState) {
	c.rasterState = state
	c.dirty |= dirtyRaster
}

// BindColorBlendState binds the blend-constant half of the color calc record.
func (c *CommandBuffer) BindColorBlendState(state *ColorBlendState) {
	c.colorBlendState = state
	c.dirty |= dirtyColorBlend
}

// BindDepthStencilState binds the dynamic depth/stencil half-packets.
func (c *CommandBuffer) BindDepthStencilState(state *DepthStencilState) {
	c.depthStencil = state
	c.dirty |= dirtyDepthStencil
}

// BeginRenderPass opens a rendering scope. The framebuffer's color attachments
// fill the leading fragment binding table slots until the scope ends.
func (c *CommandBuffer) BeginRenderPass(pass *RenderPass, framebuffer *Framebuffer) {
	if framebuffer.pass != pass {
		panic("framebuffer was created against a different render pass")
	}
	c.pass = pass
	c.framebuffer = framebuffer
	c.descriptorsDirty |= StageFragmentBit
}

// EndRenderPass closes the current rendering scope.
func (c *CommandBuffer) EndRenderPass() {
	c.pass = nil
	c.framebuffer = nil
	c.descriptorsDirty |= StageFragmentBit
}

// Draw records a non-indexed draw.
func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := c.flushState(); err != nil {
		return err
	}
	_, err := c.batch.EmitPacked(hw.Primitive{
		VertexAccess:  hw.AccessSequential,
		VertexCount:   vertexCount,
		StartVertex:   firstVertex,
		InstanceCount: instanceCount,
		StartInstance: firstInstance,
	})
	return err
}

// DrawIndexed records an indexed draw.
func (c *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) error {
	if err := c.flushState(); err != nil {
		return err
	}
	_, err := c.batch.EmitPacked(hw.Primitive{
		VertexAccess:  hw.AccessRandom,
		VertexCount:   indexCount,
		StartVertex:   firstIndex,
		InstanceCount: instanceCount,
		StartInstance: firstInstance,
		BaseVertex:    vertexOffset,
	})
	return err
}

// emitLoadRegisterMem loads a draw parameter register from buffer memory through
// a relocation.
func (c *CommandBuffer) emitLoadRegisterMem(register uint32, buffer *Buffer, offset int) error {
	p, recordOffset, err := c.batch.Emit(hw.LoadRegisterMemLength)
	if err != nil {
		return err
	}
	address := c.batch.EmitReloc(recordOffset, hw.LoadRegisterMemAddressOffset, buffer.Block, uint64(offset))
	hw.LoadRegisterMem{Register: register, Address: address}.PackInto(p)
	return nil
}

// DrawIndirect records a draw whose parameters are read from buffer memory at
// submission time.
func (c *CommandBuffer) DrawIndirect(buffer *Buffer, offset int) error {
	if err := c.flushState(); err != nil {
		return err
	}

	if err := c.emitLoadRegisterMem(hw.RegPrimVertexCount, buffer, offset); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimInstanceCount, buffer, offset+4); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimStartVertex, buffer, offset+8); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimStartInstance, buffer, offset+12); err != nil {
		return err
	}
	if _, err := c.batch.EmitPacked(hw.LoadRegisterImm{Register: hw.RegPrimBaseVertex, Value: 0}); err != nil {
		return err
	}

	_, err := c.batch.EmitPacked(hw.Primitive{
		IndirectEnable: true,
		VertexAccess:   hw.AccessSequential,
	})
	return err
}

// DrawIndexedIndirect records an indexed draw whose parameters are read from
// buffer memory at submission time.
func (c *CommandBuffer) DrawIndexedIndirect(buffer *Buffer, offset int) error {
	if err := c.flushState(); err != nil {
		return err
	}

	if err := c.emitLoadRegisterMem(hw.RegPrimVertexCount, buffer, offset); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimInstanceCount, buffer, offset+4); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimStartVertex, buffer, offset+8); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimBaseVertex, buffer, offset+12); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegPrimStartInstance, buffer, offset+16); err != nil {
		return err
	}

	_, err := c.batch.EmitPacked(hw.Primitive{
		IndirectEnable: true,
		VertexAccess:   hw.AccessRandom,
	})
	return err
}

// Dispatch records a compute dispatch.
func (c *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := c.flushComputeState(); err != nil {
		return err
	}

	pipeline := c.computePipeline
	if _, err := c.batch.EmitPacked(hw.Walker{
		SIMDSize:    pipeline.simdSize,
		GroupCountX: x,
		GroupCountY: y,
		GroupCountZ: z,
		RightMask:   pipeline.rightMask,
		BottomMask:  ^uint32(0),
	}); err != nil {
		return err
	}
	_, err := c.batch.EmitPacked(hw.MediaStateFlush{})
	return err
}

// DispatchIndirect records a compute dispatch whose group counts are read from
// buffer memory at submission time.
func (c *CommandBuffer) DispatchIndirect(buffer *Buffer, offset int) error {
	if err := c.flushComputeState(); err != nil {
		return err
	}

	if err := c.emitLoadRegisterMem(hw.RegDispatchDimX, buffer, offset); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegDispatchDimY, buffer, offset+4); err != nil {
		return err
	}
	if err := c.emitLoadRegisterMem(hw.RegDispatchDimZ, buffer, offset+8); err != nil {
		return err
	}

	pipeline := c.computePipeline
	if _, err := c.batch.EmitPacked(hw.Walker{
		IndirectEnable: true,
		SIMDSize:       pipeline.simdSize,
		RightMask:      pipeline.rightMask,
		BottomMask:     ^uint32(0),
	}); err != nil {
		return err
	}
	_, err := c.batch.EmitPacked(hw.MediaStateFlush{})
	return err
}

// Event is a host/device synchronization primitive. Events are declared but not
// implemented; every event command reports ErrUnsupported.
type Event struct{}

func (c *CommandBuffer) SetEvent(event *Event) error {
	return errors.WithStack(ErrUnsupported)
}

func (c *CommandBuffer) ResetEvent(event *Event) error {
	return errors.WithStack(ErrUnsupported)
}

func (c *CommandBuffer) WaitEvents(events []*Event) error {
	return errors.WithStack(ErrUnsupported)
}
