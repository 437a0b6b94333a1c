package gem_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anvil/gem"
)

func TestSimulatorCreateMapClose(t *testing.T) {
	sim := gem.NewSimulator()

	h, err := sim.Create(256)
	require.NoError(t, err)

	data, err := sim.Map(h, 0, 256)
	require.NoError(t, err)
	require.Len(t, data, 256)

	data[10] = 0xAB
	window, err := sim.Map(h, 8, 16)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), window[2])

	_, err = sim.Map(h, 200, 100)
	require.Error(t, err)

	require.NoError(t, sim.Close(h))
	_, err = sim.Map(h, 0, 16)
	require.Error(t, err)
}

func TestSimulatorAppliesRelocations(t *testing.T) {
	sim := gem.NewSimulator()

	batchHandle, err := sim.Create(64)
	require.NoError(t, err)
	targetHandle, err := sim.Create(64)
	require.NoError(t, err)

	batchData, err := sim.Map(batchHandle, 0, 64)
	require.NoError(t, err)

	req := &gem.ExecRequest{
		Objects: []gem.ExecObject{
			{Handle: targetHandle},
			{
				Handle: batchHandle,
				Relocs: []gem.RelocEntry{{
					TargetIndex: 0,
					Offset:      8,
					Delta:       0x40,
				}},
			},
		},
		BatchObject: 1,
		BatchLen:    16,
	}
	require.NoError(t, sim.Execbuffer(req))
	require.Equal(t, 1, sim.SubmitCount)

	targetAddress, err := sim.Address(targetHandle)
	require.NoError(t, err)
	require.Equal(t, targetAddress+0x40, binary.LittleEndian.Uint64(batchData[8:]))

	// Final placements come back through the object array.
	require.Equal(t, targetAddress, req.Objects[0].Offset)
}

func TestSimulatorVerifiesNoRelocSubmissions(t *testing.T) {
	sim := gem.NewSimulator()

	batchHandle, err := sim.Create(64)
	require.NoError(t, err)
	targetHandle, err := sim.Create(64)
	require.NoError(t, err)

	targetAddress, err := sim.Address(targetHandle)
	require.NoError(t, err)

	req := &gem.ExecRequest{
		Objects: []gem.ExecObject{
			{Handle: targetHandle, Offset: targetAddress},
			{
				Handle: batchHandle,
				Relocs: []gem.RelocEntry{{
					TargetIndex: 0,
					Offset:      8,
					Presumed:    targetAddress,
				}},
			},
		},
		BatchObject: 1,
		BatchLen:    16,
		NoReloc:     true,
	}
	require.NoError(t, sim.Execbuffer(req))

	// After a move, the same presumed addresses are stale and the submission is
	// refused rather than silently mis-executed.
	sim.MoveAll(1 << 16)
	require.Error(t, sim.Execbuffer(req))
}

func TestSimulatorWaitAndBusy(t *testing.T) {
	sim := gem.NewSimulator()

	h, err := sim.Create(64)
	require.NoError(t, err)

	require.NoError(t, sim.Wait(h, 0))

	sim.SetBusy(h, true)
	require.ErrorIs(t, sim.Wait(h, 0), gem.ErrTimeout)
	require.ErrorIs(t, sim.Wait(h, 1000), gem.ErrTimeout)
	// A forever wait on a busy object would hang a real device; the simulator
	// treats it as idle-on-arrival once the busy flag clears.
	sim.SetBusy(h, false)
	require.NoError(t, sim.Wait(h, -1))
}

func TestSimulatorInjectedFailure(t *testing.T) {
	sim := gem.NewSimulator()

	h, err := sim.Create(64)
	require.NoError(t, err)

	req := &gem.ExecRequest{
		Objects:     []gem.ExecObject{{Handle: h}},
		BatchObject: 0,
		BatchLen:    16,
	}

	sim.FailSubmit = true
	require.Error(t, sim.Execbuffer(req))
	require.NoError(t, sim.Execbuffer(req))
	require.Equal(t, 1, sim.SubmitCount)
}

func TestSimulatorParams(t *testing.T) {
	sim := gem.NewSimulator()

	chipset, err := sim.Param(gem.ParamChipsetID)
	require.NoError(t, err)
	require.Equal(t, int64(0x1616), chipset)

	hasWait, err := sim.Param(gem.ParamHasWaitTimeout)
	require.NoError(t, err)
	require.Equal(t, int64(1), hasWait)

	_, err = sim.Param(gem.Param(9999))
	require.Error(t, err)
}
