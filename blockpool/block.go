package blockpool

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/gem"
)

// Block is a fixed-size memory region backed by a kernel graphics object, fully
// mapped for its whole lifetime.
//
// Address is the GPU-visible base the driver last observed. It starts at zero,
// is written back after each submission, and is stable for the block's lifetime
// except across Reallocate. Index is device-global scratch used while packaging a
// submission's object array; it is only meaningful during one finalization pass
// and is guarded by the owning device's mutex.
type Block struct {
	device gem.Interface

	Handle  gem.Handle
	Size    int
	Data    []byte
	Address uint64
	Index   int
}

// NewBlock allocates and maps a kernel object of the given byte size.
func NewBlock(device gem.Interface, size int) (*Block, error) {
	b := &Block{device: device}
	if err := b.init(size); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Block) init(size int) error {
	handle, err := b.device.Create(size)
	if err != nil {
		return cerrors.Wrapf(err, "creating a %d-byte backing object", size)
	}

	data, err := b.device.Map(handle, 0, size)
	if err != nil {
		_ = b.device.Close(handle)
		return cerrors.Wrapf(err, "mapping backing object %d", handle)
	}

	b.Handle = handle
	b.Size = size
	b.Data = data
	return nil
}

// Reallocate replaces the block's backing with a fresh object of newSize bytes,
// copying the current contents. The block keeps its identity: outstanding
// references to the *Block stay valid, but previously returned mappings and the
// observed Address do not survive the call.
func (b *Block) Reallocate(newSize int) error {
	if newSize < b.Size {
		return errors.Errorf("cannot shrink a %d-byte block to %d bytes", b.Size, newSize)
	}

	old := *b
	if err := b.init(newSize); err != nil {
		return err
	}

	copy(b.Data, old.Data)
	b.Address = 0

	if err := old.release(); err != nil {
		return err
	}
	return nil
}

func (b *Block) release() error {
	if err := b.device.Unmap(b.Data); err != nil {
		return cerrors.Wrapf(err, "unmapping backing object %d", b.Handle)
	}
	if err := b.device.Close(b.Handle); err != nil {
		return cerrors.Wrapf(err, "closing backing object %d", b.Handle)
	}
	return nil
}

// Destroy unmaps and releases the kernel object.
func (b *Block) Destroy() error {
	err := b.release()
	b.Data = nil
	b.Handle = 0
	return err
}

// Wait blocks until the GPU is done with this block's backing object, or timeoutNs
// elapses. Returns gem.ErrTimeout when the deadline passes first.
func (b *Block) Wait(timeoutNs int64) error {
	return b.device.Wait(b.Handle, timeoutNs)
}
