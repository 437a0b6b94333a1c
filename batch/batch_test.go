package batch_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anvil/batch"
	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/gem"
	"github.com/vkngwrapper/anvil/hw"
)

func newTarget(t *testing.T, address uint64) *blockpool.Block {
	t.Helper()
	block, err := blockpool.NewBlock(gem.NewSimulator(), 4096)
	require.NoError(t, err)
	block.Address = address
	return block
}

func TestRelocListAdd(t *testing.T) {
	target := newTarget(t, 0x1000)
	defer target.Destroy()

	list := batch.NewRelocList()
	address := list.Add(16, target, 0x20)
	require.Equal(t, uint64(0x1020), address)
	require.Equal(t, 1, list.Len())

	rel := list.At(0)
	require.Equal(t, 16, rel.Offset)
	require.Same(t, target, rel.Target)
	require.Equal(t, uint64(0x20), rel.Delta)
	require.Equal(t, uint64(0x1000), rel.Presumed)

	// Identical entries are recorded twice, never deduplicated.
	list.Add(16, target, 0x20)
	require.Equal(t, 2, list.Len())
}

func TestRelocListAppendShiftsOffsets(t *testing.T) {
	target := newTarget(t, 0x2000)
	defer target.Destroy()

	source := batch.NewRelocList()
	source.Add(8, target, 0)
	source.Add(40, target, 4)

	dest := batch.NewRelocList()
	dest.Add(0, target, 0)
	dest.Append(source, 100)

	require.Equal(t, 3, dest.Len())
	require.Equal(t, 108, dest.At(1).Offset)
	require.Equal(t, 140, dest.At(2).Offset)
	// The source list is untouched.
	require.Equal(t, 8, source.At(0).Offset)
}

func TestBatchEmit(t *testing.T) {
	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.SetBuffer(make([]byte, 64), 0)

	offset, err := b.EmitPacked(hw.Noop{})
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = b.EmitPacked(hw.BatchBufferEnd{})
	require.NoError(t, err)
	require.Equal(t, 4, offset)
	require.Equal(t, 12, b.Used())
	require.Equal(t, 52, b.Remaining())
}

func TestFixedBatchReportsFull(t *testing.T) {
	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.SetBuffer(make([]byte, 8), 0)

	_, err := b.EmitPacked(hw.BatchBufferEnd{})
	require.NoError(t, err)
	_, err = b.EmitPacked(hw.Noop{})
	require.ErrorIs(t, err, batch.ErrFixedBatchFull)
}

func TestBatchExtendCallbackRetriesEmit(t *testing.T) {
	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.SetBuffer(make([]byte, 8), 0)

	extended := 0
	b.Extend = func(b *batch.Batch, size int) error {
		extended++
		b.SetBuffer(make([]byte, 64), 0)
		return nil
	}

	_, err := b.EmitPacked(hw.BatchBufferEnd{})
	require.NoError(t, err)
	_, err = b.EmitPacked(hw.Noop{})
	require.NoError(t, err)
	require.Equal(t, 1, extended)
	require.Equal(t, 4, b.Used())
}

func TestBatchPaddingRoundTrip(t *testing.T) {
	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.SetBuffer(make([]byte, 32), 16)

	require.Equal(t, 16, b.Remaining())
	b.RestorePadding(16)
	require.Equal(t, 32, b.Remaining())
	require.Panics(t, func() { b.RestorePadding(4) })
}

func TestEmitRelocEmbedsPresumedAddress(t *testing.T) {
	target := newTarget(t, 0x8000)
	defer target.Destroy()

	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.SetBuffer(make([]byte, 64), 0)

	p, offset, err := b.Emit(hw.BatchBufferStartLength)
	require.NoError(t, err)
	address := b.EmitReloc(offset, hw.BatchBufferStartAddressOffset, target, 0)
	hw.BatchBufferStart{Address: address}.PackInto(p)

	require.Equal(t, uint64(0x8000), binary.LittleEndian.Uint64(p[hw.BatchBufferStartAddressOffset:]))
	require.Equal(t, offset+hw.BatchBufferStartAddressOffset, b.Relocs.At(0).Offset)
}

func TestEmitBatchSplicesBytesAndRelocs(t *testing.T) {
	target := newTarget(t, 0x4000)
	defer target.Destroy()

	var source batch.Batch
	source.Relocs = batch.NewRelocList()
	source.SetBuffer(make([]byte, 64), 0)

	p, offset, err := source.Emit(hw.LoadRegisterMemLength)
	require.NoError(t, err)
	address := source.EmitReloc(offset, hw.LoadRegisterMemAddressOffset, target, 8)
	hw.LoadRegisterMem{Register: 0x2500, Address: address}.PackInto(p)

	var dest batch.Batch
	dest.Relocs = batch.NewRelocList()
	dest.SetBuffer(make([]byte, 128), 0)

	_, err = dest.EmitPacked(hw.Noop{})
	require.NoError(t, err)
	require.NoError(t, dest.EmitBatch(&source))

	require.Equal(t, source.Data(), dest.Data()[4:4+source.Used()])
	require.Equal(t, 1, dest.Relocs.Len())
	require.Equal(t, 4+hw.LoadRegisterMemAddressOffset, dest.Relocs.At(0).Offset)
	require.Equal(t, uint64(8), dest.Relocs.At(0).Delta)
}

func TestNodeDelimitsItsRelocSlice(t *testing.T) {
	sim := gem.NewSimulator()
	pool := blockpool.NewBOPool(sim, 8192)
	defer pool.Destroy()

	target := newTarget(t, 0x9000)
	defer target.Destroy()

	node, err := batch.NewNode(pool)
	require.NoError(t, err)
	defer node.Destroy(pool)

	var b batch.Batch
	b.Relocs = batch.NewRelocList()
	b.Relocs.Add(0, target, 0)

	node.Start(&b, hw.BatchBufferStartLength)
	require.Equal(t, 1, node.FirstReloc)

	p, offset, err := b.Emit(hw.LoadRegisterMemLength)
	require.NoError(t, err)
	address := b.EmitReloc(offset, hw.LoadRegisterMemAddressOffset, target, 0)
	hw.LoadRegisterMem{Register: 0x2500, Address: address}.PackInto(p)

	node.Finish(&b)
	require.Equal(t, hw.LoadRegisterMemLength, node.Length)
	require.Equal(t, 1, node.NumRelocs)
}
