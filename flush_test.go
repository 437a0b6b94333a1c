package anvil

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anvil/hw"
)

func newBoundDescriptorSet(t *testing.T, device *Device, setLayout *DescriptorSetLayout) *DescriptorSet {
	t.Helper()

	pool, err := device.CreateDescriptorPool()
	require.NoError(t, err)
	sets, err := pool.AllocSets([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	return sets[0]
}

func TestDescriptorHolesLeaveSlotsUnbound(t *testing.T) {
	device, _ := newTestDevice(t)

	setLayout, err := device.CreateDescriptorSetLayout([]DescriptorBinding{
		{Type: DescriptorTypeUniformBuffer, Count: 3, Stages: StageVertexBit},
	})
	require.NoError(t, err)
	layout, err := device.CreatePipelineLayout([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	pipeline := newTestGraphicsPipeline(t, device, layout, nil)
	set := newBoundDescriptorSet(t, device, setLayout)

	buffer, err := device.CreateBuffer(4096)
	require.NoError(t, err)
	defer buffer.Destroy()

	view0, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: buffer, Offset: 0, Range: 256})
	require.NoError(t, err)
	defer view0.Destroy()
	view2, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: buffer, Offset: 512, Range: 256})
	require.NoError(t, err)
	defer view2.Destroy()

	// Slot 1 is never written: a hole, skipped without error.
	require.NoError(t, device.UpdateDescriptorSets([]WriteDescriptorSet{
		{Set: set, Binding: 0, Type: DescriptorTypeUniformBuffer, Views: []*SurfaceView{view0}},
		{Set: set, Binding: 2, Type: DescriptorTypeUniformBuffer, Views: []*SurfaceView{view2}},
	}, nil))

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	cb.BindDescriptorSets(0, []*DescriptorSet{set}, nil)
	require.NoError(t, cb.Draw(3, 1, 0, 0))

	// Two surface copies were placed, one per written descriptor.
	require.Equal(t, 2, cb.surfaceRelocs.Len())
	require.Equal(t, uint64(0), cb.surfaceRelocs.At(0).Delta)
	require.Equal(t, uint64(512), cb.surfaceRelocs.At(1).Delta)

	// The vertex binding table's middle slot stays at the reserved "unbound"
	// offset zero.
	data := cb.surfaceNode.Block.Data
	table := []uint32{
		binary.LittleEndian.Uint32(data[32:]),
		binary.LittleEndian.Uint32(data[36:]),
		binary.LittleEndian.Uint32(data[40:]),
	}
	require.NotZero(t, table[0])
	require.Zero(t, table[1])
	require.NotZero(t, table[2])

	// Each filled slot points at a surface record whose relocation patches the
	// embedded address field.
	require.Equal(t, int(table[0])+hw.SurfaceStateAddressOffset, cb.surfaceRelocs.At(0).Offset)
	require.Equal(t, int(table[2])+hw.SurfaceStateAddressOffset, cb.surfaceRelocs.At(1).Offset)
}

func TestDynamicOffsetNarrowsSurfaceWindow(t *testing.T) {
	device, _ := newTestDevice(t)

	setLayout, err := device.CreateDescriptorSetLayout([]DescriptorBinding{
		{Type: DescriptorTypeUniformBufferDynamic, Count: 1, Stages: StageVertexBit},
	})
	require.NoError(t, err)
	layout, err := device.CreatePipelineLayout([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	pipeline := newTestGraphicsPipeline(t, device, layout, nil)
	set := newBoundDescriptorSet(t, device, setLayout)

	buffer, err := device.CreateBuffer(2048)
	require.NoError(t, err)
	defer buffer.Destroy()
	view, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: buffer, Offset: 0, Range: 1024})
	require.NoError(t, err)
	defer view.Destroy()

	require.NoError(t, device.UpdateDescriptorSets([]WriteDescriptorSet{
		{Set: set, Binding: 0, Type: DescriptorTypeUniformBufferDynamic, Views: []*SurfaceView{view}},
	}, nil))

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	cb.BindDescriptorSets(0, []*DescriptorSet{set}, []uint32{256})
	require.NoError(t, cb.Draw(3, 1, 0, 0))

	// The per-draw copy starts 256 bytes in and its range shrinks to match.
	require.Equal(t, 1, cb.surfaceRelocs.Len())
	rel := cb.surfaceRelocs.At(0)
	require.Equal(t, uint64(256), rel.Delta)

	recordOffset := rel.Offset - hw.SurfaceStateAddressOffset
	data := cb.surfaceNode.Block.Data
	require.Equal(t, uint32(768), binary.LittleEndian.Uint32(data[recordOffset+8:]))

	// The view's master record is untouched.
	require.Equal(t, uint32(1024), binary.LittleEndian.Uint32(view.state.Data[8:]))
}

func TestSurfaceNodeRolloverReflushesTables(t *testing.T) {
	device, sim := newTestDevice(t)

	setLayout, err := device.CreateDescriptorSetLayout([]DescriptorBinding{
		{Type: DescriptorTypeUniformBuffer, Count: 8, Stages: StageVertexBit},
	})
	require.NoError(t, err)
	layout, err := device.CreatePipelineLayout([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	pipeline := newTestGraphicsPipeline(t, device, layout, nil)
	set := newBoundDescriptorSet(t, device, setLayout)

	buffer, err := device.CreateBuffer(8192)
	require.NoError(t, err)
	defer buffer.Destroy()

	writes := make([]WriteDescriptorSet, 8)
	views := make([]*SurfaceView, 8)
	for i := range views {
		views[i], err = device.CreateSurfaceView(SurfaceViewCreateInfo{
			Buffer: buffer, Offset: i * 1024, Range: 1024,
		})
		require.NoError(t, err)
		defer views[i].Destroy()
		writes[i] = WriteDescriptorSet{
			Set: set, Binding: i, Type: DescriptorTypeUniformBuffer,
			Views: []*SurfaceView{views[i]},
		}
	}
	require.NoError(t, device.UpdateDescriptorSets(writes, nil))

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)

	// Re-binding the set before each draw dirties the tables, so every draw
	// materializes 8 fresh surface copies until the node fills and rolls over.
	for i := 0; i < 20; i++ {
		cb.BindDescriptorSets(0, []*DescriptorSet{set}, nil)
		require.NoError(t, cb.Draw(3, 1, 0, 0))
	}
	require.Equal(t, 2, chainLength(cb.surfaceNode))

	require.NoError(t, cb.End())
	require.NoError(t, device.Queue().Submit([]*CommandBuffer{cb}, nil))
	verifyRelocations(t, sim, sim.LastRequest)
}

func TestOversizeBindingTableIsFatal(t *testing.T) {
	device, _ := newTestDevice(t)

	// 150 bound surfaces need more room than one surface node holds even when
	// empty, so the one-shot rollover retry cannot save the flush.
	const descriptorCount = 150
	setLayout, err := device.CreateDescriptorSetLayout([]DescriptorBinding{
		{Type: DescriptorTypeUniformBuffer, Count: descriptorCount, Stages: StageVertexBit},
	})
	require.NoError(t, err)
	layout, err := device.CreatePipelineLayout([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	pipeline := newTestGraphicsPipeline(t, device, layout, nil)
	set := newBoundDescriptorSet(t, device, setLayout)

	buffer, err := device.CreateBuffer(4096)
	require.NoError(t, err)
	defer buffer.Destroy()
	view, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: buffer, Range: 64})
	require.NoError(t, err)
	defer view.Destroy()

	writes := make([]WriteDescriptorSet, descriptorCount)
	for i := range writes {
		writes[i] = WriteDescriptorSet{
			Set: set, Binding: i, Type: DescriptorTypeUniformBuffer,
			Views: []*SurfaceView{view},
		}
	}
	require.NoError(t, device.UpdateDescriptorSets(writes, nil))

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	cb.BindDescriptorSets(0, []*DescriptorSet{set}, nil)

	err = cb.Draw(3, 1, 0, 0)
	require.ErrorIs(t, err, ErrDeviceLost)
}

func TestFragmentTableLeadsWithColorAttachments(t *testing.T) {
	device, _ := newTestDevice(t)

	setLayout, err := device.CreateDescriptorSetLayout([]DescriptorBinding{
		{Type: DescriptorTypeUniformBuffer, Count: 1, Stages: StageFragmentBit},
	})
	require.NoError(t, err)
	layout, err := device.CreatePipelineLayout([]*DescriptorSetLayout{setLayout})
	require.NoError(t, err)
	pipeline := newTestGraphicsPipeline(t, device, layout, nil)
	set := newBoundDescriptorSet(t, device, setLayout)

	target, err := device.CreateBuffer(4096)
	require.NoError(t, err)
	defer target.Destroy()
	attachment, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: target})
	require.NoError(t, err)
	defer attachment.Destroy()

	uniforms, err := device.CreateBuffer(1024)
	require.NoError(t, err)
	defer uniforms.Destroy()
	uniformView, err := device.CreateSurfaceView(SurfaceViewCreateInfo{Buffer: uniforms})
	require.NoError(t, err)
	defer uniformView.Destroy()

	require.NoError(t, device.UpdateDescriptorSets([]WriteDescriptorSet{
		{Set: set, Binding: 0, Type: DescriptorTypeUniformBuffer, Views: []*SurfaceView{uniformView}},
	}, nil))

	pass, err := device.CreateRenderPass(1)
	require.NoError(t, err)
	framebuffer, err := device.CreateFramebuffer(FramebufferCreateInfo{
		Pass:             pass,
		ColorAttachments: []*SurfaceView{attachment},
	})
	require.NoError(t, err)

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	cb.BindDescriptorSets(0, []*DescriptorSet{set}, nil)
	cb.BeginRenderPass(pass, framebuffer)
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	cb.EndRenderPass()

	// One copy for the attachment, one for the descriptor.
	require.Equal(t, 2, cb.surfaceRelocs.Len())

	// The fragment table reserves MaxRenderTargets leading slots: the attachment
	// fills slot 0, the descriptor-declared surface lands after the bias, and
	// everything between stays unbound.
	data := cb.surfaceNode.Block.Data
	require.NotZero(t, binary.LittleEndian.Uint32(data[32:]))
	for slot := 1; slot < MaxRenderTargets; slot++ {
		require.Zero(t, binary.LittleEndian.Uint32(data[32+slot*4:]))
	}
	require.NotZero(t, binary.LittleEndian.Uint32(data[32+MaxRenderTargets*4:]))
}

func TestDrawEmitsVertexBufferBindings(t *testing.T) {
	device, sim := newTestDevice(t)

	layout := emptyPipelineLayout(t, device)
	pipeline := newTestGraphicsPipeline(t, device, layout, []VertexBinding{
		{Binding: 0, Stride: 16},
		{Binding: 2, Stride: 32},
	})

	vertices, err := device.CreateBuffer(4096)
	require.NoError(t, err)
	defer vertices.Destroy()

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	cb.BindVertexBuffers(0, []*Buffer{vertices, vertices, vertices}, []int{0, 64, 128})

	relocsBefore := cb.batch.Relocs.Len()
	require.NoError(t, cb.Draw(3, 1, 0, 0))

	// Only the two slots the pipeline reads are emitted, each with its own
	// relocation carrying the binding offset.
	var deltas []uint64
	for i := relocsBefore; i < cb.batch.Relocs.Len(); i++ {
		rel := cb.batch.Relocs.At(i)
		if rel.Target == vertices.Block {
			deltas = append(deltas, rel.Delta)
		}
	}
	require.Equal(t, []uint64{0, 128}, deltas)
	require.Zero(t, cb.vbDirty&pipeline.vbUsed)

	// A second draw with unchanged bindings emits nothing new for them.
	used := cb.batch.Used()
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	require.Equal(t, used+hw.PrimitiveLength, cb.batch.Used())

	require.NoError(t, cb.End())
	require.NoError(t, device.Queue().Submit([]*CommandBuffer{cb}, nil))
	verifyRelocations(t, sim, sim.LastRequest)
}
