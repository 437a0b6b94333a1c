package anvil

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/hw"
)

// Buffer is a shader-visible memory resource backed by its own kernel object.
type Buffer struct {
	device *Device

	Size  int
	Block *blockpool.Block
}

// CreateBuffer allocates a buffer of the given byte size.
func (d *Device) CreateBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		panic("attempting to create a zero-sized buffer")
	}

	block, err := blockpool.NewBlock(d.backend, size)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	return &Buffer{
		device: d,
		Size:   size,
		Block:  block,
	}, nil
}

// Data returns the buffer's host mapping.
func (b *Buffer) Data() []byte {
	return b.Block.Data
}

func (b *Buffer) Destroy() error {
	return b.Block.Destroy()
}

// SurfaceView is a formatted window onto a buffer: the packed surface record the
// hardware reads, plus the fields needed to re-pack it when a dynamic offset
// narrows the window per draw.
type SurfaceView struct {
	device *Device

	Buffer *Buffer
	Format uint32
	// Offset and Range delimit the viewed bytes within the buffer.
	Offset int
	Range  int

	// state is the precomputed surface record in the device surface pool. The
	// flush protocol copies it into a per-draw slot and re-patches the embedded
	// address there; this master copy is never referenced by a submission.
	state blockpool.State
}

// SurfaceViewCreateInfo configures CreateSurfaceView.
type SurfaceViewCreateInfo struct {
	Buffer *Buffer
	Format uint32
	Offset int
	// Range of viewed bytes; zero means "to the end of the buffer".
	Range int
}

// CreateSurfaceView packs a surface record for a buffer range into the device
// surface state pool.
func (d *Device) CreateSurfaceView(createInfo SurfaceViewCreateInfo) (*SurfaceView, error) {
	buffer := createInfo.Buffer
	if buffer == nil {
		panic("attempting to create a surface view with no buffer")
	}

	viewRange := createInfo.Range
	if viewRange == 0 {
		viewRange = buffer.Size - createInfo.Offset
	}
	if createInfo.Offset+viewRange > buffer.Size {
		return nil, errors.Errorf(
			"view range [%d, %d) extends past the end of a %d-byte buffer",
			createInfo.Offset, createInfo.Offset+viewRange, buffer.Size)
	}

	state, err := d.surfaceStatePool.Alloc(hw.SurfaceStateSize, hw.SurfaceStateAlign)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	view := &SurfaceView{
		device: d,
		Buffer: buffer,
		Format: createInfo.Format,
		Offset: createInfo.Offset,
		Range:  viewRange,
		state:  state,
	}
	view.pack(state.Data, view.Offset, view.Range)
	return view, nil
}

// pack writes the surface record for the given window. The embedded address field
// carries the buffer's currently observed base; every per-draw placement re-patches
// it through a relocation.
func (v *SurfaceView) pack(p []byte, offset, rng int) {
	hw.SurfaceState{
		Format:  v.Format,
		Range:   uint32(rng),
		Address: v.Buffer.Block.Address + uint64(offset),
	}.PackInto(p)
}

func (v *SurfaceView) Destroy() error {
	v.device.surfaceStatePool.Free(v.state)
	return nil
}
