package anvil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anvil/gem"
)

func TestFenceSignalsAfterSubmission(t *testing.T) {
	device, sim := newTestDevice(t)
	pipeline := newTestGraphicsPipeline(t, device, emptyPipelineLayout(t, device), nil)
	cb := newTestCommandBuffer(t, device)

	fence, err := device.CreateFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	require.NoError(t, cb.End())

	require.NoError(t, device.Queue().Submit([]*CommandBuffer{cb}, fence))

	// One submission for the command buffer, one for the fence's terminator.
	require.Equal(t, 2, sim.SubmitCount)
	require.NotZero(t, fence.block.Address)

	signaled, err := fence.Status()
	require.NoError(t, err)
	require.True(t, signaled)
	require.NoError(t, fence.Wait(-1))
}

func TestFenceWaitTimesOutWhileBusy(t *testing.T) {
	device, sim := newTestDevice(t)

	fence, err := device.CreateFence()
	require.NoError(t, err)
	defer fence.Destroy()

	sim.SetBusy(fence.block.Handle, true)

	signaled, err := fence.Status()
	require.NoError(t, err)
	require.False(t, signaled)
	require.ErrorIs(t, fence.Wait(0), ErrNotReady)
	require.ErrorIs(t, fence.Wait(1000), gem.ErrTimeout)

	sim.SetBusy(fence.block.Handle, false)
	require.NoError(t, fence.Wait(-1))

	// Once observed signaled, the result is cached even if the object goes busy
	// again.
	sim.SetBusy(fence.block.Handle, true)
	signaled, err = fence.Status()
	require.NoError(t, err)
	require.True(t, signaled)

	fence.Reset()
	signaled, err = fence.Status()
	require.NoError(t, err)
	require.False(t, signaled)
}

func TestSubmitWithoutHardwareSignalsFence(t *testing.T) {
	sim := gem.NewSimulator()
	device, err := NewDevice(DeviceCreateInfo{
		Backend: sim,
		Logger:  discardLogger(),
		NoHW:    true,
	})
	require.NoError(t, err)
	defer device.Destroy()

	pipeline := newTestGraphicsPipeline(t, device, emptyPipelineLayout(t, device), nil)
	cb := newTestCommandBuffer(t, device)
	fence, err := device.CreateFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	require.NoError(t, cb.End())

	require.NoError(t, device.Queue().Submit([]*CommandBuffer{cb}, fence))
	require.Equal(t, 0, sim.SubmitCount)

	signaled, err := fence.Status()
	require.NoError(t, err)
	require.True(t, signaled)
}

func TestSubmitFailureReportsDeviceLost(t *testing.T) {
	device, sim := newTestDevice(t)
	pipeline := newTestGraphicsPipeline(t, device, emptyPipelineLayout(t, device), nil)
	cb := newTestCommandBuffer(t, device)

	require.NoError(t, cb.Begin())
	cb.BindPipeline(pipeline)
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	require.NoError(t, cb.End())

	sim.FailSubmit = true
	require.ErrorIs(t, device.Queue().Submit([]*CommandBuffer{cb}, nil), ErrDeviceLost)

	// The injected failure is one-shot; resubmission succeeds.
	require.NoError(t, device.Queue().Submit([]*CommandBuffer{cb}, nil))
}

func TestSubmitWritebackRacesNothing(t *testing.T) {
	device, _ := newTestDevice(t)
	pipeline := newTestGraphicsPipeline(t, device, emptyPipelineLayout(t, device), nil)

	submitCB := newTestCommandBuffer(t, device)
	require.NoError(t, submitCB.Begin())
	submitCB.BindPipeline(pipeline)
	require.NoError(t, submitCB.Draw(3, 1, 0, 0))
	require.NoError(t, submitCB.End())

	recordCB := newTestCommandBuffer(t, device)

	// Resubmission rewrites block addresses while another command buffer's end
	// call reads them to package its own request. Run under the race detector.
	var submitErr, recordErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if err := device.Queue().Submit([]*CommandBuffer{submitCB}, nil); err != nil {
				submitErr = err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if err := recordCB.Begin(); err != nil {
				recordErr = err
				return
			}
			recordCB.BindPipeline(pipeline)
			if err := recordCB.Draw(3, 1, 0, 0); err != nil {
				recordErr = err
				return
			}
			if err := recordCB.End(); err != nil {
				recordErr = err
				return
			}
			recordCB.Reset()
		}
	}()
	wg.Wait()

	require.NoError(t, submitErr)
	require.NoError(t, recordErr)
}

func TestUnimplementedSynchronizationEntryPoints(t *testing.T) {
	device, _ := newTestDevice(t)

	_, err := device.CreateSemaphore()
	require.ErrorIs(t, err, ErrUnsupported)

	buffer, err := device.CreateBuffer(1024)
	require.NoError(t, err)
	defer buffer.Destroy()
	require.ErrorIs(t, device.Queue().BindSparse(buffer, 0), ErrUnsupported)

	cb := newTestCommandBuffer(t, device)
	require.NoError(t, cb.Begin())
	event := &Event{}
	require.ErrorIs(t, cb.SetEvent(event), ErrUnsupported)
	require.ErrorIs(t, cb.ResetEvent(event), ErrUnsupported)
	require.ErrorIs(t, cb.WaitEvents([]*Event{event}), ErrUnsupported)
}
