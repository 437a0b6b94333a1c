package anvil

// RenderPass describes the attachment shape of a rendering scope. Only the color
// attachment count participates in binding: it fixes how many of the fragment
// table's leading slots a compatible framebuffer fills.
type RenderPass struct {
	colorAttachments int
}

// CreateRenderPass creates a pass with the given number of color attachments.
func (d *Device) CreateRenderPass(colorAttachments int) (*RenderPass, error) {
	if colorAttachments < 0 || colorAttachments > MaxRenderTargets {
		panic("render pass color attachment count out of range")
	}
	return &RenderPass{colorAttachments: colorAttachments}, nil
}

func (r *RenderPass) Destroy() error {
	return nil
}

// FramebufferCreateInfo configures CreateFramebuffer.
type FramebufferCreateInfo struct {
	Pass             *RenderPass
	ColorAttachments []*SurfaceView
}

// Framebuffer binds concrete surface views to a pass's attachments. While a pass
// is open on a command buffer, every fragment binding table leads with copies of
// these views' surface records.
type Framebuffer struct {
	pass             *RenderPass
	colorAttachments []*SurfaceView
}

// CreateFramebuffer binds views to a pass's attachment slots.
func (d *Device) CreateFramebuffer(createInfo FramebufferCreateInfo) (*Framebuffer, error) {
	if createInfo.Pass == nil {
		panic("attempting to create a framebuffer with no render pass")
	}
	if len(createInfo.ColorAttachments) != createInfo.Pass.colorAttachments {
		panic("framebuffer attachment count does not match its render pass")
	}

	return &Framebuffer{
		pass:             createInfo.Pass,
		colorAttachments: createInfo.ColorAttachments,
	}, nil
}

func (f *Framebuffer) Destroy() error {
	return nil
}
