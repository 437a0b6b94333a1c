package anvil

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// Queue is the device's single submission stream.
type Queue struct {
	device *Device
}

// Submit hands each command buffer's packaged request to the kernel in order,
// then the fence's terminator batch if one is given. Kernel-assigned object
// placements are written back into the blocks so the next submission's presumed
// addresses start out current.
func (q *Queue) Submit(cmdBuffers []*CommandBuffer, fence *Fence) error {
	d := q.device

	for _, c := range cmdBuffers {
		if !c.ended {
			panic("submitting a command buffer that was not ended")
		}

		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Queue::Submit",
			slog.Int("objects", len(c.execReq.Objects)),
			slog.Int("batchLen", c.execReq.BatchLen),
			slog.Bool("noReloc", c.execReq.NoReloc),
		)

		if d.noHW {
			continue
		}

		if err := d.backend.Execbuffer(&c.execReq); err != nil {
			return cerrors.CombineErrors(ErrDeviceLost, err)
		}

		// Block addresses are read by concurrent End calls packaging their own
		// requests; the write-back takes the same lock.
		d.mu.Lock()
		for i, block := range c.execBlocks {
			block.Address = c.execReq.Objects[i].Offset
		}
		d.mu.Unlock()
	}

	if fence != nil {
		if d.noHW {
			fence.ready = true
			return nil
		}
		if err := d.backend.Execbuffer(&fence.req); err != nil {
			return cerrors.CombineErrors(ErrDeviceLost, err)
		}
		d.mu.Lock()
		fence.block.Address = fence.req.Objects[0].Offset
		d.mu.Unlock()
	}
	return nil
}

// WaitIdle blocks until every submission on this queue has retired.
func (q *Queue) WaitIdle() error {
	return q.device.WaitIdle()
}

// Semaphore is a cross-queue synchronization primitive. With a single queue per
// device there is nothing to order; semaphores are declared but not implemented.
type Semaphore struct{}

func (d *Device) CreateSemaphore() (*Semaphore, error) {
	return nil, errors.WithStack(ErrUnsupported)
}

// BindSparse is the sparse-binding entry point, not implemented.
func (q *Queue) BindSparse(buffer *Buffer, memoryOffset int) error {
	return errors.WithStack(ErrUnsupported)
}
