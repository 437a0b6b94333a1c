package anvil

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/vkngwrapper/anvil/batch"
	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/hw"
)

// Shader-stage packet sub-opcodes, indexed by Stage. Compute has no graphics
// stage packet.
var shaderStageSubOpcodes = [StageCount]uint32{0x10, 0x11, 0x12, 0x13, 0x14, 0}

// ShaderCode is one stage's compiled kernel.
type ShaderCode struct {
	Stage Stage
	Code  []byte
	// ScratchSize is the spill space the kernel needs per invocation, zero for
	// kernels that never spill.
	ScratchSize int
}

// VertexBinding declares the stride of one vertex buffer slot a pipeline reads.
type VertexBinding struct {
	Binding int
	Stride  uint32
}

// GraphicsPipelineCreateInfo configures CreateGraphicsPipeline. A vertex shader
// is required; other graphics stages are optional.
type GraphicsPipelineCreateInfo struct {
	Layout           *PipelineLayout
	Shaders          []ShaderCode
	VertexBindings   []VertexBinding
	Topology         uint32
	PrimitiveRestart bool
}

// ComputePipelineCreateInfo configures CreateComputePipeline.
type ComputePipelineCreateInfo struct {
	Layout      *PipelineLayout
	Code        []byte
	ScratchSize int
	// SIMDSize is the kernel's lane count per hardware thread.
	SIMDSize uint32
}

// Pipeline is an immutable bundle of compiled stage programs and the fixed
// packets deriving from them. A graphics pipeline owns a prebuilt batch that the
// flush protocol splices into the live stream whenever the pipeline binding is
// dirty; a compute pipeline instead carries the fields the per-dispatch interface
// descriptor is packed from.
type Pipeline struct {
	device *Device
	Layout *PipelineLayout

	activeStages  StageFlags
	vbUsed        uint32
	bindingStride [MaxVertexBuffers]uint32
	totalScratch  int

	block *blockpool.Block
	batch batch.Batch

	// Pipeline halves of the merged state packets. Dword 0 of each carries the
	// packet header.
	stateSF             [hw.SFStateLength]uint32
	stateRaster         [hw.RasterStateLength]uint32
	stateWMDepthStencil [hw.WMDepthStencilLength]uint32
	stateVF             [hw.VFStateLength]uint32

	kernelStart uint32
	simdSize    uint32
	rightMask   uint32
}

// uploadKernel copies compiled code into the device instruction pool and returns
// its offset from the instruction base.
func (d *Device) uploadKernel(code []byte) (uint32, error) {
	if len(code) == 0 {
		panic("attempting to upload an empty kernel")
	}

	offset, err := d.instructionBlockPool.Alloc(len(code), 64)
	if err != nil {
		return 0, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	// The alloc may have grown the pool; re-read the mapping afterward.
	copy(d.instructionBlockPool.Data()[offset:], code)
	return uint32(offset), nil
}

// ensureScratch grows the device scratch block to cover size bytes.
func (d *Device) ensureScratch(size int) error {
	if size == 0 {
		return nil
	}

	rounded := blockpool.NextPow2(size)
	if d.scratchBlock == nil {
		block, err := blockpool.NewBlock(d.backend, rounded)
		if err != nil {
			return cerrors.CombineErrors(ErrOutOfDeviceMemory, err)
		}
		d.scratchBlock = block
		return nil
	}
	if d.scratchBlock.Size < rounded {
		if err := d.scratchBlock.Reallocate(rounded); err != nil {
			return cerrors.CombineErrors(ErrOutOfDeviceMemory, err)
		}
	}
	return nil
}

// CreateGraphicsPipeline uploads the stage kernels, packs the pipeline halves of
// the merged state packets, and prerecords the pipeline's fixed batch.
func (d *Device) CreateGraphicsPipeline(createInfo GraphicsPipelineCreateInfo) (*Pipeline, error) {
	if createInfo.Layout == nil {
		panic("attempting to create a pipeline with no layout")
	}

	pipeline := &Pipeline{
		device: d,
		Layout: createInfo.Layout,
	}

	var kernelStarts [StageCount]uint32
	for _, shader := range createInfo.Shaders {
		if shader.Stage == StageCompute {
			panic("compute kernels do not belong in a graphics pipeline")
		}
		if pipeline.activeStages.Has(shader.Stage) {
			panic("duplicate shader stage in pipeline creation")
		}

		start, err := d.uploadKernel(shader.Code)
		if err != nil {
			return nil, err
		}
		kernelStarts[shader.Stage] = start
		pipeline.activeStages |= shader.Stage.Flag()
		pipeline.totalScratch += shader.ScratchSize
	}
	if !pipeline.activeStages.Has(StageVertex) {
		panic("graphics pipeline requires a vertex shader")
	}

	if err := d.ensureScratch(pipeline.totalScratch); err != nil {
		return nil, err
	}

	for _, binding := range createInfo.VertexBindings {
		if binding.Binding < 0 || binding.Binding >= MaxVertexBuffers {
			panic("vertex binding slot out of range")
		}
		pipeline.vbUsed |= 1 << binding.Binding
		pipeline.bindingStride[binding.Binding] = binding.Stride
	}

	pipeline.stateSF[0] = hw.SFStateHeader
	pipeline.stateSF[2] = createInfo.Topology
	pipeline.stateRaster[0] = hw.RasterStateHeader
	pipeline.stateWMDepthStencil[0] = hw.WMDepthStencilHeader
	pipeline.stateVF[0] = hw.VFStateHeader
	if createInfo.PrimitiveRestart {
		pipeline.stateVF[1] |= 1 << 31
	}

	block, err := d.batchPool.Alloc()
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	pipeline.block = block
	pipeline.batch.Relocs = batch.NewRelocList()
	pipeline.batch.SetBuffer(block.Data, 0)

	if err := pipeline.recordGraphicsBatch(createInfo, kernelStarts); err != nil {
		d.batchPool.Free(block)
		return nil, err
	}

	return pipeline, nil
}

// recordGraphicsBatch emits the pipeline's fixed packet sequence. The batch has
// no extend callback; overflowing the backing block is a construction bug.
func (p *Pipeline) recordGraphicsBatch(createInfo GraphicsPipelineCreateInfo, kernelStarts [StageCount]uint32) error {
	if _, err := p.batch.EmitPacked(hw.PrimitiveTopology{Topology: createInfo.Topology}); err != nil {
		return err
	}

	scratchPerStage := func(s Stage) uint32 {
		for _, shader := range createInfo.Shaders {
			if shader.Stage == s {
				return uint32(shader.ScratchSize)
			}
		}
		return 0
	}

	for s := StageVertex; s < StageCompute; s++ {
		packet := hw.ShaderStage{
			SubOpcode:   shaderStageSubOpcodes[s],
			Enable:      p.activeStages.Has(s),
			KernelStart: kernelStarts[s],
			ScratchSize: scratchPerStage(s),
		}
		if _, err := p.batch.EmitPacked(packet); err != nil {
			return err
		}
	}
	return nil
}

// CreateComputePipeline uploads the kernel and derives the interface descriptor
// fields packed per dispatch.
func (d *Device) CreateComputePipeline(createInfo ComputePipelineCreateInfo) (*Pipeline, error) {
	if createInfo.Layout == nil {
		panic("attempting to create a pipeline with no layout")
	}
	switch createInfo.SIMDSize {
	case 8, 16, 32:
	default:
		panic("compute pipeline SIMD size must be 8, 16, or 32")
	}

	pipeline := &Pipeline{
		device:       d,
		Layout:       createInfo.Layout,
		activeStages: StageComputeBit,
		totalScratch: createInfo.ScratchSize,
		simdSize:     createInfo.SIMDSize,
	}
	if createInfo.SIMDSize == 32 {
		pipeline.rightMask = ^uint32(0)
	} else {
		pipeline.rightMask = 1<<createInfo.SIMDSize - 1
	}

	start, err := d.uploadKernel(createInfo.Code)
	if err != nil {
		return nil, err
	}
	pipeline.kernelStart = start

	if err := d.ensureScratch(pipeline.totalScratch); err != nil {
		return nil, err
	}

	return pipeline, nil
}

// IsCompute reports whether this is a compute pipeline.
func (p *Pipeline) IsCompute() bool {
	return p.activeStages == StageComputeBit
}

func (p *Pipeline) Destroy() error {
	if p.block != nil {
		p.device.batchPool.Free(p.block)
		p.block = nil
	}
	return nil
}
