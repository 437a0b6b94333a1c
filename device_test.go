package anvil

import (
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/anvil/gem"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTestDevice(t *testing.T) (*Device, *gem.Simulator) {
	t.Helper()

	sim := gem.NewSimulator()
	device, err := NewDevice(DeviceCreateInfo{
		Backend: sim,
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, device.Destroy())
	})
	return device, sim
}

// verifyRelocations checks that after a submission every relocated field embeds
// its target's final placement plus delta.
func verifyRelocations(t *testing.T, sim *gem.Simulator, req *gem.ExecRequest) {
	t.Helper()

	for _, obj := range req.Objects {
		for _, rel := range obj.Relocs {
			p, err := sim.Map(obj.Handle, rel.Offset, 8)
			require.NoError(t, err)
			require.Equal(t, req.Objects[rel.TargetIndex].Offset+rel.Delta,
				binary.LittleEndian.Uint64(p))
		}
	}
}

func TestNewDeviceReservesZeroOffsets(t *testing.T) {
	device, _ := newTestDevice(t)

	// The first state allocation of each pool must not land at offset 0, which
	// is reserved to mean "unbound".
	state, err := device.dynamicStatePool.Alloc(16, 16)
	require.NoError(t, err)
	require.NotEqual(t, 0, state.Offset)

	state, err = device.surfaceStatePool.Alloc(16, 16)
	require.NoError(t, err)
	require.NotEqual(t, 0, state.Offset)
}

func TestDeviceWaitIdle(t *testing.T) {
	device, sim := newTestDevice(t)

	require.NoError(t, device.WaitIdle())
	require.Equal(t, 1, sim.SubmitCount)

	req := sim.LastRequest
	require.Len(t, req.Objects, 1)
	require.True(t, req.NoReloc)
	require.NotZero(t, req.BatchStart)
	require.Equal(t, 12, req.BatchLen)

	// The terminator batch came from the dynamic state pool block.
	require.Equal(t, device.dynamicStateBlockPool.Block().Handle, req.Objects[0].Handle)
}

func TestDeviceWaitIdleInNoHWMode(t *testing.T) {
	sim := gem.NewSimulator()
	device, err := NewDevice(DeviceCreateInfo{
		Backend: sim,
		Logger:  discardLogger(),
		NoHW:    true,
	})
	require.NoError(t, err)
	defer device.Destroy()

	require.NoError(t, device.WaitIdle())
	require.Equal(t, 0, sim.SubmitCount)
}

func TestDevicePoolStatsString(t *testing.T) {
	device, _ := newTestDevice(t)

	stats := device.PoolStatsString()
	require.True(t, strings.HasPrefix(stats, "{"))
	require.Contains(t, stats, "DynamicStatePool")
	require.Contains(t, stats, "SurfaceStatePool")
	require.Contains(t, stats, "InstructionPool")
	require.Contains(t, stats, "BlockCount")
}
