// Package hw encodes instructions and state records into the fixed-size byte
// layouts the command streamer consumes. Every type packs to a known size; fields
// that embed a GPU address expose the byte offset of that field so callers can
// record relocations against it.
//
// The numeric layouts are a stand-in for one hardware generation's tables and are
// deliberately self-contained: an instruction is a header dword carrying the
// opcode and dword length, followed by its operand dwords, little endian.
package hw

import "encoding/binary"

// Instruction opcodes.
const (
	opNoop               = 0x0000
	opBatchBufferEnd     = 0x0A00
	opBatchBufferStart   = 0x3100
	opStateBaseAddress   = 0x6101
	opPipeControl        = 0x7A00
	opPipelineSelect     = 0x6904
	opPrimitive          = 0x7B00
	opWalker             = 0x7105
	opMediaStateFlush    = 0x7004
	opLoadRegisterImm    = 0x2200
	opLoadRegisterMem    = 0x2900
	opTablePointers      = 0x7800
	opPointerPacket      = 0x7900
	opIndexBuffer        = 0x780A
	opVertexBuffers      = 0x7808
	opInterfaceDescLoad  = 0x7002
	opShaderStage        = 0x7810
	opTopology           = 0x780B
)

func header(opcode uint32, size int) uint32 {
	return opcode<<16 | uint32(size/4-2)
}

func putHeader(p []byte, opcode uint32, size int) {
	binary.LittleEndian.PutUint32(p, header(opcode, size))
}

// PutAddress writes an 8-byte embedded GPU address.
func PutAddress(p []byte, offset int, address uint64) {
	binary.LittleEndian.PutUint64(p[offset:], address)
}

// Address reads an 8-byte embedded GPU address.
func Address(p []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(p[offset:])
}

// Noop is the single-dword padding instruction.
type Noop struct{}

func (Noop) PackedSize() int { return 4 }
func (Noop) PackInto(p []byte) {
	binary.LittleEndian.PutUint32(p, opNoop)
}

// BatchBufferEnd terminates an instruction stream.
type BatchBufferEnd struct{}

func (BatchBufferEnd) PackedSize() int { return 8 }
func (BatchBufferEnd) PackInto(p []byte) {
	putHeader(p, opBatchBufferEnd, 8)
	binary.LittleEndian.PutUint32(p[4:], 0)
}

// BatchBufferStart jumps execution to another instruction buffer. The target
// address is embedded at BatchBufferStartAddressOffset and must be covered by a
// relocation.
type BatchBufferStart struct {
	Address uint64
}

// BatchBufferStartLength is the packed size of BatchBufferStart; command buffer
// chains hold back exactly this much at each block's tail for the chain jump.
const BatchBufferStartLength = 16

// BatchBufferStartAddressOffset is the byte offset of the embedded target address.
const BatchBufferStartAddressOffset = 8

func (BatchBufferStart) PackedSize() int { return BatchBufferStartLength }
func (i BatchBufferStart) PackInto(p []byte) {
	putHeader(p, opBatchBufferStart, BatchBufferStartLength)
	binary.LittleEndian.PutUint32(p[4:], 0)
	binary.LittleEndian.PutUint64(p[BatchBufferStartAddressOffset:], i.Address)
}

// StateBaseAddress pins the base addresses state-record offsets are relative to:
// general (scratch), surface, dynamic, and instruction memory. Each base is an
// embedded address needing a relocation when nonzero.
type StateBaseAddress struct {
	General     uint64
	Surface     uint64
	Dynamic     uint64
	Instruction uint64
}

const (
	StateBaseAddressLength = 40

	GeneralBaseOffset     = 8
	SurfaceBaseOffset     = 16
	DynamicBaseOffset     = 24
	InstructionBaseOffset = 32
)

func (StateBaseAddress) PackedSize() int { return StateBaseAddressLength }
func (i StateBaseAddress) PackInto(p []byte) {
	putHeader(p, opStateBaseAddress, StateBaseAddressLength)
	binary.LittleEndian.PutUint32(p[4:], 0xf) // all modify-enables
	binary.LittleEndian.PutUint64(p[GeneralBaseOffset:], i.General)
	binary.LittleEndian.PutUint64(p[SurfaceBaseOffset:], i.Surface)
	binary.LittleEndian.PutUint64(p[DynamicBaseOffset:], i.Dynamic)
	binary.LittleEndian.PutUint64(p[InstructionBaseOffset:], i.Instruction)
}

// PipeControl flushes and invalidates caches between dependent work.
type PipeControl struct {
	TextureCacheInvalidate bool
}

func (PipeControl) PackedSize() int { return 8 }
func (i PipeControl) PackInto(p []byte) {
	putHeader(p, opPipeControl, 8)
	var flags uint32
	if i.TextureCacheInvalidate {
		flags |= 1 << 2
	}
	binary.LittleEndian.PutUint32(p[4:], flags)
}

// Pipeline selections for PipelineSelect.
const (
	Pipeline3D    uint32 = 0
	PipelineMedia uint32 = 1
	PipelineGPGPU uint32 = 2
)

// PipelineSelect switches the hardware front end between 3D and compute.
type PipelineSelect struct {
	Selection uint32
}

func (PipelineSelect) PackedSize() int { return 8 }
func (i PipelineSelect) PackInto(p []byte) {
	putHeader(p, opPipelineSelect, 8)
	binary.LittleEndian.PutUint32(p[4:], i.Selection)
}

// Vertex access modes for Primitive.
const (
	AccessSequential uint32 = 0
	AccessRandom     uint32 = 1
)

// Primitive is the draw instruction. With IndirectEnable set the count fields are
// ignored and sourced from the draw parameter registers instead.
type Primitive struct {
	IndirectEnable   bool
	VertexAccess     uint32
	VertexCount      uint32
	StartVertex      uint32
	InstanceCount    uint32
	StartInstance    uint32
	BaseVertex       int32
}

const PrimitiveLength = 32

func (Primitive) PackedSize() int { return PrimitiveLength }
func (i Primitive) PackInto(p []byte) {
	putHeader(p, opPrimitive, PrimitiveLength)
	ctrl := i.VertexAccess
	if i.IndirectEnable {
		ctrl |= 1 << 10
	}
	binary.LittleEndian.PutUint32(p[4:], ctrl)
	binary.LittleEndian.PutUint32(p[8:], i.VertexCount)
	binary.LittleEndian.PutUint32(p[12:], i.StartVertex)
	binary.LittleEndian.PutUint32(p[16:], i.InstanceCount)
	binary.LittleEndian.PutUint32(p[20:], i.StartInstance)
	binary.LittleEndian.PutUint32(p[24:], uint32(i.BaseVertex))
	binary.LittleEndian.PutUint32(p[28:], 0)
}

// Walker is the compute dispatch instruction.
type Walker struct {
	IndirectEnable bool
	SIMDSize       uint32
	GroupCountX    uint32
	GroupCountY    uint32
	GroupCountZ    uint32
	RightMask      uint32
	BottomMask     uint32
}

const WalkerLength = 32

func (Walker) PackedSize() int { return WalkerLength }
func (i Walker) PackInto(p []byte) {
	putHeader(p, opWalker, WalkerLength)
	ctrl := i.SIMDSize
	if i.IndirectEnable {
		ctrl |= 1 << 10
	}
	binary.LittleEndian.PutUint32(p[4:], ctrl)
	binary.LittleEndian.PutUint32(p[8:], i.GroupCountX)
	binary.LittleEndian.PutUint32(p[12:], i.GroupCountY)
	binary.LittleEndian.PutUint32(p[16:], i.GroupCountZ)
	binary.LittleEndian.PutUint32(p[20:], i.RightMask)
	binary.LittleEndian.PutUint32(p[24:], i.BottomMask)
	binary.LittleEndian.PutUint32(p[28:], 0)
}

// MediaStateFlush drains outstanding compute state writes after a dispatch.
type MediaStateFlush struct{}

func (MediaStateFlush) PackedSize() int { return 8 }
func (MediaStateFlush) PackInto(p []byte) {
	putHeader(p, opMediaStateFlush, 8)
	binary.LittleEndian.PutUint32(p[4:], 0)
}

// LoadRegisterImm writes an immediate value into a command streamer register.
type LoadRegisterImm struct {
	Register uint32
	Value    uint32
}

func (LoadRegisterImm) PackedSize() int { return 12 }
func (i LoadRegisterImm) PackInto(p []byte) {
	putHeader(p, opLoadRegisterImm, 12)
	binary.LittleEndian.PutUint32(p[4:], i.Register)
	binary.LittleEndian.PutUint32(p[8:], i.Value)
}

// LoadRegisterMem loads a command streamer register from memory. The source
// address is embedded at LoadRegisterMemAddressOffset and needs a relocation.
type LoadRegisterMem struct {
	Register uint32
	Address  uint64
}

const (
	LoadRegisterMemLength        = 16
	LoadRegisterMemAddressOffset = 8
)

func (LoadRegisterMem) PackedSize() int { return LoadRegisterMemLength }
func (i LoadRegisterMem) PackInto(p []byte) {
	putHeader(p, opLoadRegisterMem, LoadRegisterMemLength)
	binary.LittleEndian.PutUint32(p[4:], i.Register)
	binary.LittleEndian.PutUint64(p[LoadRegisterMemAddressOffset:], i.Address)
}

// TablePointers binds a per-stage binding table or sampler table by its offset
// from the current surface or dynamic state base. SubOpcode selects the stage and
// table kind.
type TablePointers struct {
	SubOpcode uint32
	Pointer   uint32
}

func (TablePointers) PackedSize() int { return 8 }
func (i TablePointers) PackInto(p []byte) {
	putHeader(p, opTablePointers|i.SubOpcode, 8)
	binary.LittleEndian.PutUint32(p[4:], i.Pointer)
}

// Pointer packet sub-opcodes for PointerPacket.
const (
	PointerScissor    uint32 = 0x0F
	PointerViewportCC uint32 = 0x23
	PointerViewportSF uint32 = 0x21
	PointerColorCalc  uint32 = 0x0E
)

// PointerPacket binds a dynamic state record (viewport, scissor, color calc) by
// its offset from the dynamic state base.
type PointerPacket struct {
	SubOpcode uint32
	Pointer   uint32
}

func (PointerPacket) PackedSize() int { return 8 }
func (i PointerPacket) PackInto(p []byte) {
	putHeader(p, opPointerPacket|i.SubOpcode, 8)
	binary.LittleEndian.PutUint32(p[4:], i.Pointer)
}

// Index formats for IndexBuffer.
const (
	IndexFormatWord  uint32 = 0
	IndexFormatDword uint32 = 1
)

// IndexBuffer binds the index buffer. The buffer address is embedded at
// IndexBufferAddressOffset and needs a relocation.
type IndexBuffer struct {
	Format  uint32
	Address uint64
	Size    uint32
}

const (
	IndexBufferLength        = 20
	IndexBufferAddressOffset = 8
)

func (IndexBuffer) PackedSize() int { return IndexBufferLength }
func (i IndexBuffer) PackInto(p []byte) {
	putHeader(p, opIndexBuffer, IndexBufferLength)
	binary.LittleEndian.PutUint32(p[4:], i.Format)
	binary.LittleEndian.PutUint64(p[IndexBufferAddressOffset:], i.Address)
	binary.LittleEndian.PutUint32(p[16:], i.Size)
}

// VertexBuffersHeader opens a vertex buffer bind instruction covering count
// VertexBufferState records packed immediately after it.
type VertexBuffersHeader struct {
	Count int
}

func (h VertexBuffersHeader) PackedSize() int { return 4 }
func (h VertexBuffersHeader) PackInto(p []byte) {
	putHeader(p, opVertexBuffers, 4+h.Count*VertexBufferStateLength)
}

// VertexBufferState is one slot's worth of vertex buffer binding. The buffer
// address is embedded at VertexBufferAddressOffset within the record and needs a
// relocation.
type VertexBufferState struct {
	Index   uint32
	Pitch   uint32
	Address uint64
	Size    uint32
}

const (
	VertexBufferStateLength   = 24
	VertexBufferAddressOffset = 8
)

func (VertexBufferState) PackedSize() int { return VertexBufferStateLength }
func (s VertexBufferState) PackInto(p []byte) {
	binary.LittleEndian.PutUint32(p, s.Index)
	binary.LittleEndian.PutUint32(p[4:], s.Pitch)
	binary.LittleEndian.PutUint64(p[VertexBufferAddressOffset:], s.Address)
	binary.LittleEndian.PutUint32(p[16:], s.Size)
	binary.LittleEndian.PutUint32(p[20:], 0)
}

// ShaderStage enables or disables one programmable graphics stage, pointing it at
// a kernel by its offset from the instruction base. The offset is base-relative,
// so the packet needs no relocation. SubOpcode selects the stage.
type ShaderStage struct {
	SubOpcode   uint32
	Enable      bool
	KernelStart uint32
	ScratchSize uint32
}

const ShaderStageLength = 16

func (ShaderStage) PackedSize() int { return ShaderStageLength }
func (i ShaderStage) PackInto(p []byte) {
	putHeader(p, opShaderStage|i.SubOpcode, ShaderStageLength)
	var ctrl uint32
	if i.Enable {
		ctrl = 1
	}
	binary.LittleEndian.PutUint32(p[4:], ctrl)
	binary.LittleEndian.PutUint32(p[8:], i.KernelStart)
	binary.LittleEndian.PutUint32(p[12:], i.ScratchSize)
}

// PrimitiveTopology selects the primitive assembly topology.
type PrimitiveTopology struct {
	Topology uint32
}

func (PrimitiveTopology) PackedSize() int { return 8 }
func (i PrimitiveTopology) PackInto(p []byte) {
	putHeader(p, opTopology, 8)
	binary.LittleEndian.PutUint32(p[4:], i.Topology)
}

// InterfaceDescriptorLoad points the compute front end at an interface descriptor
// previously written into the dynamic state pool.
type InterfaceDescriptorLoad struct {
	Length uint32
	Offset uint32
}

func (InterfaceDescriptorLoad) PackedSize() int { return 12 }
func (i InterfaceDescriptorLoad) PackInto(p []byte) {
	putHeader(p, opInterfaceDescLoad, 12)
	binary.LittleEndian.PutUint32(p[4:], i.Length)
	binary.LittleEndian.PutUint32(p[8:], i.Offset)
}
