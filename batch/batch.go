package batch

import (
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/blockpool"
)

// ErrFixedBatchFull is the extend callback error for one-shot batches that have no
// backing to grow into.
var ErrFixedBatchFull error = errors.New("fixed-size batch is out of space")

// Packable is any fixed-size record that can encode itself into a byte range.
// The hardware instruction builders satisfy it.
type Packable interface {
	PackedSize() int
	PackInto(p []byte)
}

// ExtendFunc is invoked when an emit would overrun the batch's current range. It
// must either re-point the batch at fresh backing (chained command buffer batches)
// or return an error (fixed one-shot batches). After it returns nil, the pending
// emit is re-validated against the new cursor state.
type ExtendFunc func(b *Batch, size int) error

// Batch is a cursor over one backing block's mapping: a contiguous instruction
// stream under construction. It borrows its relocation list and its backing; chain
// nodes own the blocks.
//
// All patch locations are expressed as byte offsets from the current backing's
// start, never as pointers, so they survive the backing being remapped.
type Batch struct {
	data []byte
	next int
	end  int

	Relocs *RelocList
	Extend ExtendFunc
}

// SetBuffer points the batch at a fresh backing range, holding back padding bytes
// at the tail. The cursor rewinds to zero; the relocation list is untouched.
func (b *Batch) SetBuffer(data []byte, padding int) {
	b.data = data
	b.next = 0
	b.end = len(data) - padding
}

// RestorePadding gives back tail bytes previously held out by SetBuffer so a final
// instruction can be emitted flush against the end of the backing.
func (b *Batch) RestorePadding(padding int) {
	b.end += padding
	if b.end > len(b.data) {
		panic("batch padding restored beyond the backing block")
	}
}

// Used returns the number of bytes emitted into the current backing.
func (b *Batch) Used() int {
	return b.next
}

// Data returns the bytes emitted so far.
func (b *Batch) Data() []byte {
	return b.data[:b.next]
}

// Remaining returns the bytes left before the batch must extend.
func (b *Batch) Remaining() int {
	return b.end - b.next
}

// Emit reserves size bytes at the cursor and returns the reserved range along with
// its byte offset from the backing's start. If the reservation does not fit, the
// extend callback runs first and the reservation is retried against whatever
// cursor state the callback left behind.
func (b *Batch) Emit(size int) ([]byte, int, error) {
	if b.next+size > b.end {
		if b.Extend == nil {
			return nil, 0, errors.WithStack(ErrFixedBatchFull)
		}
		if err := b.Extend(b, size); err != nil {
			return nil, 0, err
		}
		if b.next+size > b.end {
			return nil, 0, errors.Errorf(
				"batch extension left no room for a %d-byte emit (%d bytes free)",
				size, b.end-b.next)
		}
	}

	offset := b.next
	b.next += size
	return b.data[offset : offset+size : offset+size], offset, nil
}

// EmitPacked packs one record at the cursor and returns its byte offset.
func (b *Batch) EmitPacked(x Packable) (int, error) {
	p, offset, err := b.Emit(x.PackedSize())
	if err != nil {
		return 0, err
	}
	x.PackInto(p)
	return offset, nil
}

// EmitReloc records a relocation for the 8-byte address field at fieldOffset bytes
// into the record at recordOffset, and returns the presumed address for the caller
// to embed there immediately.
func (b *Batch) EmitReloc(recordOffset, fieldOffset int, target *blockpool.Block, delta uint64) uint64 {
	return b.Relocs.Add(recordOffset+fieldOffset, target, delta)
}

// EmitBatch splices other's recorded bytes into this batch at the cursor and
// carries other's relocations across with their offsets shifted to match. This is
// how a prebuilt, reusable instruction sequence is replayed into a live stream
// without re-deriving its relocations.
func (b *Batch) EmitBatch(other *Batch) error {
	size := other.Used()
	if size%4 != 0 {
		return errors.Errorf("spliced batch has a %d-byte length, which is not dword aligned", size)
	}

	p, offset, err := b.Emit(size)
	if err != nil {
		return err
	}

	copy(p, other.data[:size])
	b.Relocs.Append(other.Relocs, offset)
	return nil
}
