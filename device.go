package anvil

import (
	"math"
	"os"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/anvil/batch"
	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/gem"
	"github.com/vkngwrapper/anvil/hw"
)

const (
	// batchBlockSize is the fixed size of every chain node's backing block.
	batchBlockSize = 8192
	// statePoolInitialSize is the starting size of the growable state pools.
	statePoolInitialSize = 16384
	// stateStreamChunkSize is the claim granularity of per-recording streams.
	stateStreamChunkSize = 4096
	// waitIdleBatchSize is the fixed batch recorded by WaitIdle.
	waitIdleBatchSize = 32
)

// DeviceCreateInfo configures a Device.
type DeviceCreateInfo struct {
	// Backend is the kernel graphics capability the device drives. Required.
	Backend gem.Interface
	// Logger receives debug traces and error records. Defaults to slog.Default.
	Logger *slog.Logger
	// NoHW records and packages submissions without issuing them to the kernel.
	// Setting the ANVIL_NO_HW environment variable forces it on.
	NoHW bool
	// ContextID is the kernel execution context submissions run under.
	ContextID uint32
}

// Device owns the per-device pools and the submission serialization lock. It is an
// explicit context passed to everything that needs it; there is no ambient global
// device state.
type Device struct {
	logger  *slog.Logger
	backend gem.Interface
	noHW    bool

	contextID uint32

	// mu guards Block.Index scratch state while a command buffer's end call
	// packages its object array, and the post-submit address write-backs that
	// those end calls read from. It serializes finalization and submission
	// bookkeeping across command buffers, never recording.
	mu sync.Mutex

	batchPool *blockpool.BOPool

	dynamicStateBlockPool *blockpool.BlockPool
	dynamicStatePool      *blockpool.StatePool
	surfaceStateBlockPool *blockpool.BlockPool
	surfaceStatePool      *blockpool.StatePool
	instructionBlockPool  *blockpool.BlockPool

	// scratchBlock backs spill space for kernels that declare scratch. Created on
	// the first pipeline that needs it and grown to the largest request seen.
	scratchBlock *blockpool.Block

	queue Queue
}

// NewDevice creates a device over the given kernel backend.
func NewDevice(createInfo DeviceCreateInfo) (*Device, error) {
	if createInfo.Backend == nil {
		panic("attempting to create a device without a kernel backend")
	}

	logger := createInfo.Logger
	if logger == nil {
		logger = slog.Default()
	}

	device := &Device{
		logger:    logger,
		backend:   createInfo.Backend,
		noHW:      createInfo.NoHW || os.Getenv("ANVIL_NO_HW") != "",
		contextID: createInfo.ContextID,
		batchPool: blockpool.NewBOPool(createInfo.Backend, batchBlockSize),
	}
	device.queue.device = device

	var err error
	device.dynamicStateBlockPool, err = blockpool.NewBlockPool(logger, createInfo.Backend, statePoolInitialSize)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	device.surfaceStateBlockPool, err = blockpool.NewBlockPool(logger, createInfo.Backend, statePoolInitialSize)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	device.instructionBlockPool, err = blockpool.NewBlockPool(logger, createInfo.Backend, statePoolInitialSize)
	if err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	device.dynamicStatePool = blockpool.NewStatePool(device.dynamicStateBlockPool)
	device.surfaceStatePool = blockpool.NewStatePool(device.surfaceStateBlockPool)

	// Burn offset 0 in both state pools so a zero offset always means "no
	// state". The command buffer surface cursor makes the same reservation.
	if _, err = device.dynamicStateBlockPool.Alloc(64, 64); err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	if _, err = device.surfaceStateBlockPool.Alloc(64, 64); err != nil {
		return nil, cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}

	return device, nil
}

// Queue returns the device's single submission queue.
func (d *Device) Queue() *Queue {
	return &d.queue
}

// Backend returns the kernel capability this device drives.
func (d *Device) Backend() gem.Interface {
	return d.backend
}

// WaitIdle records a minimal terminator batch out of the persistent dynamic state
// pool, submits it, and blocks until it retires, draining all prior work on the
// device.
func (d *Device) WaitIdle() error {
	d.logger.Debug("Device::WaitIdle")

	state, err := d.dynamicStatePool.Alloc(waitIdleBatchSize, 32)
	if err != nil {
		return cerrors.CombineErrors(ErrOutOfHostMemory, err)
	}
	defer d.dynamicStatePool.Free(state)

	var b batch.Batch
	b.SetBuffer(state.Data, 0)
	if _, err := b.EmitPacked(hw.BatchBufferEnd{}); err != nil {
		return err
	}
	if _, err := b.EmitPacked(hw.Noop{}); err != nil {
		return err
	}

	if d.noHW {
		return nil
	}

	block := d.dynamicStateBlockPool.Block()
	req := gem.ExecRequest{
		Objects: []gem.ExecObject{{
			Handle: block.Handle,
			Offset: block.Address,
		}},
		BatchObject: 0,
		BatchStart:  state.Offset,
		BatchLen:    b.Used(),
		NoReloc:     true,
		ContextID:   d.contextID,
	}

	if err := d.backend.Execbuffer(&req); err != nil {
		return cerrors.CombineErrors(ErrUnknown, err)
	}
	d.mu.Lock()
	block.Address = req.Objects[0].Offset
	d.mu.Unlock()

	if err := block.Wait(math.MaxInt64); err != nil {
		return cerrors.CombineErrors(ErrUnknown, err)
	}
	return nil
}

// PoolStatsString renders the device pools' allocation statistics as JSON.
func (d *Device) PoolStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	dynamicObj := obj.Name("DynamicStatePool").Object()
	d.dynamicStateBlockPool.PoolJsonData(dynamicObj)
	dynamicObj.End()

	surfaceObj := obj.Name("SurfaceStatePool").Object()
	d.surfaceStateBlockPool.PoolJsonData(surfaceObj)
	surfaceObj.End()

	instructionObj := obj.Name("InstructionPool").Object()
	d.instructionBlockPool.PoolJsonData(instructionObj)
	instructionObj.End()

	obj.End()
	return string(writer.Bytes())
}

// Destroy releases every device-owned pool. Command buffers and resources created
// from the device must be destroyed first.
func (d *Device) Destroy() error {
	d.logger.Debug("Device::Destroy")

	var firstErr error
	for _, destroyable := range []Destroyable{
		d.batchPool,
		d.dynamicStateBlockPool,
		d.surfaceStateBlockPool,
		d.instructionBlockPool,
	} {
		if err := destroyable.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.scratchBlock != nil {
		if err := d.scratchBlock.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.WithMessage(firstErr, "destroying device pools")
	}
	return nil
}
