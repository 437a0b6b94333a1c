package anvil

import (
	"github.com/vkngwrapper/anvil/hw"
)

// SamplerCreateInfo configures CreateSampler.
type SamplerCreateInfo struct {
	MinFilter   uint32
	MagFilter   uint32
	AddressMode uint32
	MaxAniso    uint32
}

// Sampler holds one packed sampler record, copied verbatim into per-draw sampler
// tables by the flush protocol. The record embeds no addresses, so copies need no
// relocations.
type Sampler struct {
	state [hw.SamplerStateSize]byte
}

// CreateSampler packs a sampler record.
func (d *Device) CreateSampler(createInfo SamplerCreateInfo) (*Sampler, error) {
	sampler := &Sampler{}
	hw.SamplerState{
		MinFilter:   createInfo.MinFilter,
		MagFilter:   createInfo.MagFilter,
		AddressMode: createInfo.AddressMode,
		MaxAniso:    createInfo.MaxAniso,
	}.PackInto(sampler.state[:])
	return sampler, nil
}

func (s *Sampler) Destroy() error {
	return nil
}
