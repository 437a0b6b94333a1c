package hw

import "encoding/binary"

// State record sizes and alignments. Binding tables are arrays of uint32 surface
// offsets aligned to BindingTableAlign.
const (
	SurfaceStateSize  = 64
	SurfaceStateAlign = 64
	// SurfaceStateAddressOffset is the byte offset of the embedded buffer
	// address within a packed surface record (dwords 8 and 9).
	SurfaceStateAddressOffset = 32

	SamplerStateSize  = 16
	SamplerStateAlign = 32

	BindingTableAlign = 32

	InterfaceDescriptorSize  = 32
	InterfaceDescriptorAlign = 64

	ColorCalcStateSize  = 24
	ColorCalcStateAlign = 64
)

// Dword lengths of the merged pipeline/dynamic half-packets. Each half is packed
// at object creation time; the flush protocol ORs the two halves dword by dword
// into the live stream.
const (
	SFStateLength           = 4
	RasterStateLength       = 5
	WMDepthStencilLength    = 3
	VFStateLength           = 2
)

// Header dwords for the merged half-packets. The pipeline's half carries the
// header; the dynamic half leaves dword 0 zero.
const (
	SFStateHeader        uint32 = 0x7812<<16 | (SFStateLength - 2)
	RasterStateHeader    uint32 = 0x7813<<16 | (RasterStateLength - 2)
	WMDepthStencilHeader uint32 = 0x7814<<16 | (WMDepthStencilLength - 2)
	VFStateHeader        uint32 = 0x780C<<16 | (VFStateLength - 2)
)

// SurfaceState describes one shader-visible buffer range. Pack writes the 64-byte
// record; the embedded address at SurfaceStateAddressOffset must be covered by a
// relocation whenever the record is placed for a draw.
type SurfaceState struct {
	Format  uint32
	Stride  uint32
	Range   uint32
	Address uint64
}

func (SurfaceState) PackedSize() int { return SurfaceStateSize }
func (s SurfaceState) PackInto(p []byte) {
	for i := 0; i < SurfaceStateSize; i += 4 {
		binary.LittleEndian.PutUint32(p[i:], 0)
	}
	binary.LittleEndian.PutUint32(p[0:], s.Format)
	binary.LittleEndian.PutUint32(p[4:], s.Stride)
	binary.LittleEndian.PutUint32(p[8:], s.Range)
	binary.LittleEndian.PutUint64(p[SurfaceStateAddressOffset:], s.Address)
}

// SamplerState is one packed sampler record.
type SamplerState struct {
	MinFilter   uint32
	MagFilter   uint32
	AddressMode uint32
	MaxAniso    uint32
}

func (SamplerState) PackedSize() int { return SamplerStateSize }
func (s SamplerState) PackInto(p []byte) {
	binary.LittleEndian.PutUint32(p[0:], s.MinFilter)
	binary.LittleEndian.PutUint32(p[4:], s.MagFilter)
	binary.LittleEndian.PutUint32(p[8:], s.AddressMode)
	binary.LittleEndian.PutUint32(p[12:], s.MaxAniso)
}

// InterfaceDescriptor is the compute stage's entry point record: kernel start
// offset in the instruction pool plus the table pointers materialized by the
// flush. Offsets are relative to their respective state bases, so the record
// itself carries no relocations.
type InterfaceDescriptor struct {
	KernelStart  uint32
	BindingTable uint32
	SamplerState uint32
}

func (InterfaceDescriptor) PackedSize() int { return InterfaceDescriptorSize }
func (d InterfaceDescriptor) PackInto(p []byte) {
	for i := 0; i < InterfaceDescriptorSize; i += 4 {
		binary.LittleEndian.PutUint32(p[i:], 0)
	}
	binary.LittleEndian.PutUint32(p[0:], d.KernelStart)
	binary.LittleEndian.PutUint32(p[8:], d.BindingTable)
	binary.LittleEndian.PutUint32(p[12:], d.SamplerState)
}

// MergeDwords ORs two equal-length pre-packed dword streams into p. Pipeline
// objects pack one half of a state packet at creation; dynamic state objects pack
// the other; the flush merges them per draw.
func MergeDwords(p []byte, a, b []uint32) {
	if len(a) != len(b) {
		panic("merged state packets must have equal dword lengths")
	}
	for i := range a {
		binary.LittleEndian.PutUint32(p[i*4:], a[i]|b[i])
	}
}

// PackDwords writes a pre-packed dword stream into p.
func PackDwords(p []byte, a []uint32) {
	for i := range a {
		binary.LittleEndian.PutUint32(p[i*4:], a[i])
	}
}
