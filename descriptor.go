package anvil

import (
	"golang.org/x/exp/slog"
)

// DescriptorType classifies what a descriptor slot carries.
type DescriptorType int

const (
	DescriptorTypeSampler DescriptorType = iota
	DescriptorTypeCombinedImageSampler
	DescriptorTypeSampledImage
	DescriptorTypeStorageImage
	DescriptorTypeUniformTexelBuffer
	DescriptorTypeStorageTexelBuffer
	DescriptorTypeUniformBuffer
	DescriptorTypeStorageBuffer
	DescriptorTypeUniformBufferDynamic
	DescriptorTypeStorageBufferDynamic
	DescriptorTypeInputAttachment
)

func (t DescriptorType) hasSampler() bool {
	return t == DescriptorTypeSampler || t == DescriptorTypeCombinedImageSampler
}

func (t DescriptorType) hasSurface() bool {
	switch t {
	case DescriptorTypeCombinedImageSampler, DescriptorTypeSampledImage,
		DescriptorTypeStorageImage, DescriptorTypeUniformTexelBuffer,
		DescriptorTypeStorageTexelBuffer, DescriptorTypeUniformBuffer,
		DescriptorTypeStorageBuffer, DescriptorTypeUniformBufferDynamic,
		DescriptorTypeStorageBufferDynamic, DescriptorTypeInputAttachment:
		return true
	}
	return false
}

func (t DescriptorType) isDynamic() bool {
	return t == DescriptorTypeUniformBufferDynamic || t == DescriptorTypeStorageBufferDynamic
}

// DescriptorBinding declares one binding of a set layout: an array of Count
// descriptors of one type, visible to Stages.
type DescriptorBinding struct {
	Type   DescriptorType
	Count  int
	Stages StageFlags
}

// descriptorSlot maps one slot of a stage's table back to the set: which
// descriptor array index feeds it and, for dynamic buffers, which runtime offset
// applies.
type descriptorSlot struct {
	index       int
	dynamicSlot int
}

type descriptorStageLayout struct {
	surfaceSlots []descriptorSlot
	samplerSlots []descriptorSlot
}

// DescriptorSetLayout is the precomputed accounting consumed by the flush
// protocol: for every stage, the ordered list of table slots the set contributes
// and the descriptor index behind each one.
type DescriptorSetLayout struct {
	count             int
	numDynamicBuffers int
	shaderStages      StageFlags
	stage             [StageCount]descriptorStageLayout
}

// CreateDescriptorSetLayout computes per-stage slot tables for the given bindings.
func (d *Device) CreateDescriptorSetLayout(bindings []DescriptorBinding) (*DescriptorSetLayout, error) {
	layout := &DescriptorSetLayout{}

	descriptorIndex := 0
	dynamicSlot := 0
	for _, binding := range bindings {
		layout.shaderStages |= binding.Stages

		for element := 0; element < binding.Count; element++ {
			slot := descriptorSlot{
				index:       descriptorIndex,
				dynamicSlot: -1,
			}
			if binding.Type.isDynamic() {
				slot.dynamicSlot = dynamicSlot
				dynamicSlot++
			}

			for s := Stage(0); s < StageCount; s++ {
				if !binding.Stages.Has(s) {
					continue
				}
				if binding.Type.hasSampler() {
					layout.stage[s].samplerSlots = append(layout.stage[s].samplerSlots, slot)
				}
				if binding.Type.hasSurface() {
					layout.stage[s].surfaceSlots = append(layout.stage[s].surfaceSlots, slot)
				}
			}

			descriptorIndex++
		}
	}

	layout.count = descriptorIndex
	layout.numDynamicBuffers = dynamicSlot

	if layout.numDynamicBuffers > MaxDynamicBuffers {
		panic("descriptor set layout carries more dynamic buffers than a set binding can hold")
	}

	return layout, nil
}

// Count returns the number of descriptors a set with this layout holds.
func (l *DescriptorSetLayout) Count() int {
	return l.count
}

func (l *DescriptorSetLayout) Destroy() error {
	return nil
}

type pipelineLayoutStage struct {
	surfaceCount int
	samplerCount int
}

type pipelineLayoutSet struct {
	layout       *DescriptorSetLayout
	surfaceStart [StageCount]int
	samplerStart [StageCount]int
}

// PipelineLayout concatenates set layouts into per-stage tables: for each stage,
// each set's slots begin at a precomputed start within that stage's binding and
// sampler tables.
type PipelineLayout struct {
	sets  []pipelineLayoutSet
	stage [StageCount]pipelineLayoutStage
}

// CreatePipelineLayout computes cumulative per-stage table starts for a sequence
// of set layouts.
func (d *Device) CreatePipelineLayout(setLayouts []*DescriptorSetLayout) (*PipelineLayout, error) {
	if len(setLayouts) > MaxSets {
		panic("attempting to create a pipeline layout with more sets than the binding model allows")
	}

	layout := &PipelineLayout{
		sets: make([]pipelineLayoutSet, len(setLayouts)),
	}

	for i, setLayout := range setLayouts {
		layout.sets[i].layout = setLayout
		for s := Stage(0); s < StageCount; s++ {
			layout.sets[i].surfaceStart[s] = layout.stage[s].surfaceCount
			layout.sets[i].samplerStart[s] = layout.stage[s].samplerCount
			layout.stage[s].surfaceCount += len(setLayout.stage[s].surfaceSlots)
			layout.stage[s].samplerCount += len(setLayout.stage[s].samplerSlots)
		}
	}

	return layout, nil
}

func (l *PipelineLayout) Destroy() error {
	return nil
}

// Descriptor is one slot of a descriptor set. The zero value is a hole: unwritten
// slots are valid and skipped at flush time.
type Descriptor struct {
	Sampler *Sampler
	View    *SurfaceView
}

// DescriptorSet is an array of descriptors indexed by the layout's descriptor
// index. Freshly allocated sets are all holes.
type DescriptorSet struct {
	layout      *DescriptorSetLayout
	descriptors []Descriptor
}

// DescriptorPool owns descriptor sets so they can be reclaimed in bulk.
type DescriptorPool struct {
	logger *slog.Logger
	live   []*DescriptorSet
}

// CreateDescriptorPool creates an empty pool.
func (d *Device) CreateDescriptorPool() (*DescriptorPool, error) {
	return &DescriptorPool{logger: d.logger}, nil
}

// AllocSets allocates one zeroed set per layout.
func (p *DescriptorPool) AllocSets(layouts []*DescriptorSetLayout) ([]*DescriptorSet, error) {
	sets := make([]*DescriptorSet, len(layouts))
	for i, layout := range layouts {
		sets[i] = &DescriptorSet{
			layout:      layout,
			descriptors: make([]Descriptor, layout.count),
		}
		p.live = append(p.live, sets[i])
	}
	return sets, nil
}

// Reset abandons every set allocated from this pool.
func (p *DescriptorPool) Reset() {
	p.logger.Debug("DescriptorPool::Reset")
	p.live = nil
}

func (p *DescriptorPool) Destroy() error {
	p.live = nil
	return nil
}

// WriteDescriptorSet fills consecutive slots of a set starting at Binding with
// samplers, views, or both, depending on Type.
type WriteDescriptorSet struct {
	Set     *DescriptorSet
	Binding int
	Type    DescriptorType

	Samplers []*Sampler
	Views    []*SurfaceView
}

// CopyDescriptorSet copies Count slots between sets.
type CopyDescriptorSet struct {
	SrcSet      *DescriptorSet
	DestSet     *DescriptorSet
	SrcBinding  int
	DestBinding int
	Count       int
}

// UpdateDescriptorSets applies a batch of writes, then a batch of copies.
// Unsupported descriptor types are reported rather than silently dropped; writes
// before and after an unsupported entry are still applied.
func (d *Device) UpdateDescriptorSets(writes []WriteDescriptorSet, copies []CopyDescriptorSet) error {
	var unsupported error

	for _, write := range writes {
		set := write.Set

		switch write.Type {
		case DescriptorTypeSampler, DescriptorTypeCombinedImageSampler:
			for j, sampler := range write.Samplers {
				set.descriptors[write.Binding+j].Sampler = sampler
			}
			if write.Type == DescriptorTypeSampler {
				break
			}
			fallthrough

		case DescriptorTypeSampledImage, DescriptorTypeStorageImage,
			DescriptorTypeUniformBuffer, DescriptorTypeStorageBuffer,
			DescriptorTypeUniformBufferDynamic, DescriptorTypeStorageBufferDynamic:
			for j, view := range write.Views {
				set.descriptors[write.Binding+j].View = view
			}

		case DescriptorTypeUniformTexelBuffer, DescriptorTypeStorageTexelBuffer,
			DescriptorTypeInputAttachment:
			unsupported = ErrUnsupported
		}
	}

	for _, copyInfo := range copies {
		// TODO: the copy source is resolved from DestSet; SrcSet is never
		// consulted, so every copy is a self-copy within the destination.
		src := copyInfo.DestSet
		dest := copyInfo.DestSet
		for j := 0; j < copyInfo.Count; j++ {
			dest.descriptors[copyInfo.DestBinding+j] = src.descriptors[copyInfo.SrcBinding+j]
		}
	}

	return unsupported
}
