package anvil

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/batch"
	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/gem"
	"github.com/vkngwrapper/anvil/hw"
)

const fenceBatchSize = 128

// Fence signals completion of a queue submission. It is a one-shot terminator
// batch in its own block: the queue submits it after the fenced work, and the
// block's wait handle reports when everything before it has retired.
type Fence struct {
	device *Device

	block *blockpool.Block
	req   gem.ExecRequest
	ready bool
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (*Fence, error) {
	block, err := blockpool.NewBlock(d.backend, fenceBatchSize)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	var b batch.Batch
	b.SetBuffer(block.Data, 0)
	if _, err := b.EmitPacked(hw.BatchBufferEnd{}); err != nil {
		block.Destroy()
		return nil, err
	}
	if _, err := b.EmitPacked(hw.Noop{}); err != nil {
		block.Destroy()
		return nil, err
	}

	fence := &Fence{
		device: d,
		block:  block,
	}
	fence.req = gem.ExecRequest{
		Objects: []gem.ExecObject{{
			Handle: block.Handle,
			Offset: block.Address,
		}},
		BatchObject: 0,
		BatchStart:  0,
		BatchLen:    b.Used(),
		NoReloc:     true,
		ContextID:   d.contextID,
	}
	return fence, nil
}

// Status reports whether the fence has signaled, without blocking.
func (f *Fence) Status() (bool, error) {
	if f.ready {
		return true, nil
	}

	err := f.device.backend.Wait(f.block.Handle, 0)
	if err == nil {
		f.ready = true
		return true, nil
	}
	if errors.Is(err, gem.ErrTimeout) {
		return false, nil
	}
	return false, cerrors.CombineErrors(ErrDeviceLost, err)
}

// Wait blocks until the fence signals or timeoutNs elapses, reporting ErrTimeout
// in the latter case. A zero timeout polls without blocking and reports
// ErrNotReady for an unsignaled fence. A negative timeout waits forever.
func (f *Fence) Wait(timeoutNs int64) error {
	if f.ready {
		return nil
	}
	if timeoutNs < 0 {
		timeoutNs = math.MaxInt64
	}

	err := f.device.backend.Wait(f.block.Handle, timeoutNs)
	if err == nil {
		f.ready = true
		return nil
	}
	if errors.Is(err, gem.ErrTimeout) {
		if timeoutNs == 0 {
			return errors.WithStack(ErrNotReady)
		}
		return err
	}
	return cerrors.CombineErrors(ErrDeviceLost, err)
}

// Reset returns the fence to the unsignaled state.
func (f *Fence) Reset() {
	f.ready = false
}

func (f *Fence) Destroy() error {
	return f.block.Destroy()
}
