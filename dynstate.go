package anvil

import (
	"math"

	cerrors "github.com/cockroachdb/errors"

	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/hw"
)

// Per-viewport record sizes in the dynamic state pool.
const (
	scissorRecordSize    = 16
	ccViewportRecordSize = 8
	sfClipRecordSize     = 16
	viewportRecordAlign  = 32
)

// Viewport is one viewport transform.
type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

// ScissorRect is one scissor rectangle in pixels.
type ScissorRect struct {
	X, Y          uint32
	Width, Height uint32
}

// ViewportState holds viewport and scissor records packed into the persistent
// dynamic state pool at creation. Binding one replays three pointer packets; the
// records themselves are never re-packed per draw.
type ViewportState struct {
	device *Device

	scissor    blockpool.State
	ccViewport blockpool.State
	sfClip     blockpool.State
}

// CreateViewportState packs viewport and scissor records. The two slices must
// have equal, nonzero length.
func (d *Device) CreateViewportState(viewports []Viewport, scissors []ScissorRect) (*ViewportState, error) {
	if len(viewports) == 0 || len(viewports) != len(scissors) {
		panic("viewport state requires matching nonzero viewport and scissor counts")
	}

	state := &ViewportState{device: d}

	var err error
	state.scissor, err = d.dynamicStatePool.Alloc(len(scissors)*scissorRecordSize, viewportRecordAlign)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	state.ccViewport, err = d.dynamicStatePool.Alloc(len(viewports)*ccViewportRecordSize, viewportRecordAlign)
	if err != nil {
		d.dynamicStatePool.Free(state.scissor)
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	state.sfClip, err = d.dynamicStatePool.Alloc(len(viewports)*sfClipRecordSize, viewportRecordAlign)
	if err != nil {
		d.dynamicStatePool.Free(state.scissor)
		d.dynamicStatePool.Free(state.ccViewport)
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	for i, scissor := range scissors {
		hw.PackDwords(state.scissor.Data[i*scissorRecordSize:], []uint32{
			scissor.X, scissor.Y, scissor.Width, scissor.Height,
		})
	}
	for i, viewport := range viewports {
		hw.PackDwords(state.ccViewport.Data[i*ccViewportRecordSize:], []uint32{
			math.Float32bits(viewport.MinDepth),
			math.Float32bits(viewport.MaxDepth),
		})
		hw.PackDwords(state.sfClip.Data[i*sfClipRecordSize:], []uint32{
			math.Float32bits(viewport.X),
			math.Float32bits(viewport.Y),
			math.Float32bits(viewport.Width),
			math.Float32bits(viewport.Height),
		})
	}

	return state, nil
}

func (s *ViewportState) Destroy() error {
	s.device.dynamicStatePool.Free(s.scissor)
	s.device.dynamicStatePool.Free(s.ccViewport)
	s.device.dynamicStatePool.Free(s.sfClip)
	return nil
}

// Cull modes and winding orders for RasterStateCreateInfo.
const (
	CullModeNone  uint32 = 0
	CullModeFront uint32 = 1
	CullModeBack  uint32 = 2

	FrontFaceCCW uint32 = 0
	FrontFaceCW  uint32 = 1
)

// RasterStateCreateInfo configures CreateRasterState.
type RasterStateCreateInfo struct {
	CullMode             uint32
	FrontFace            uint32
	DepthBiasEnable      bool
	DepthBias            float32
	SlopeScaledDepthBias float32
}

// RasterState carries the dynamic halves of the SF and raster packets. Each half
// is packed at creation; a draw that sees this state bound merges the half with
// the pipeline's half dword by dword into the live stream.
type RasterState struct {
	stateSF     [hw.SFStateLength]uint32
	stateRaster [hw.RasterStateLength]uint32
}

// CreateRasterState packs the dynamic SF and raster half-packets.
func (d *Device) CreateRasterState(createInfo RasterStateCreateInfo) (*RasterState, error) {
	state := &RasterState{}

	state.stateSF[1] = createInfo.CullMode<<16 | createInfo.FrontFace<<20
	if createInfo.DepthBiasEnable {
		state.stateSF[1] |= 1 << 24
	}
	state.stateRaster[1] = math.Float32bits(createInfo.DepthBias)
	state.stateRaster[2] = math.Float32bits(createInfo.SlopeScaledDepthBias)

	return state, nil
}

func (s *RasterState) Destroy() error {
	return nil
}

const colorCalcDwords = hw.ColorCalcStateSize / 4

// ColorBlendStateCreateInfo configures CreateColorBlendState.
type ColorBlendStateCreateInfo struct {
	BlendConstants [4]float32
}

// ColorBlendState carries the blend-constant half of the color calc record. The
// flush merges it with the depth/stencil state's half into a fresh record in the
// recording's dynamic stream.
type ColorBlendState struct {
	stateColorCalc [colorCalcDwords]uint32
}

// CreateColorBlendState packs the blend-constant half of the color calc record.
func (d *Device) CreateColorBlendState(createInfo ColorBlendStateCreateInfo) (*ColorBlendState, error) {
	state := &ColorBlendState{}
	for i, c := range createInfo.BlendConstants {
		state.stateColorCalc[1+i] = math.Float32bits(c)
	}
	return state, nil
}

func (s *ColorBlendState) Destroy() error {
	return nil
}

// Depth compare functions for DepthStencilStateCreateInfo.
const (
	CompareNever        uint32 = 0
	CompareLess         uint32 = 1
	CompareEqual        uint32 = 2
	CompareLessEqual    uint32 = 3
	CompareGreater      uint32 = 4
	CompareNotEqual     uint32 = 5
	CompareGreaterEqual uint32 = 6
	CompareAlways       uint32 = 7
)

// DepthStencilStateCreateInfo configures CreateDepthStencilState.
type DepthStencilStateCreateInfo struct {
	DepthTestEnable   bool
	DepthWriteEnable  bool
	DepthCompareOp    uint32
	StencilTestEnable bool
	StencilRef        uint32
}

// DepthStencilState carries the dynamic half of the WM depth/stencil packet plus
// the stencil-reference half of the color calc record.
type DepthStencilState struct {
	stateWMDepthStencil [hw.WMDepthStencilLength]uint32
	stateColorCalc      [colorCalcDwords]uint32
}

// CreateDepthStencilState packs the dynamic depth/stencil half-packets.
func (d *Device) CreateDepthStencilState(createInfo DepthStencilStateCreateInfo) (*DepthStencilState, error) {
	state := &DepthStencilState{}

	if createInfo.DepthTestEnable {
		state.stateWMDepthStencil[1] |= 1 << 0
		state.stateWMDepthStencil[1] |= createInfo.DepthCompareOp << 4
	}
	if createInfo.DepthWriteEnable {
		state.stateWMDepthStencil[1] |= 1 << 1
	}
	if createInfo.StencilTestEnable {
		state.stateWMDepthStencil[2] |= 1 << 0
	}
	state.stateColorCalc[0] = createInfo.StencilRef

	return state, nil
}

func (s *DepthStencilState) Destroy() error {
	return nil
}
