package gem

import (
	"github.com/pkg/errors"
)

// ErrTimeout is returned from Interface.Wait when the wait deadline elapses before the
// object becomes idle. It is a status, not a failure: callers may poll again.
var ErrTimeout error = errors.New("wait timed out before the object became idle")

// Handle identifies a kernel graphics memory object within one device file.
type Handle uint32

// Param names a queryable device parameter.
type Param int32

const (
	// ParamChipsetID is the hardware device id of the GPU behind the device file.
	ParamChipsetID Param = 4
	// ParamHasWaitTimeout reports whether the kernel supports bounded object waits.
	ParamHasWaitTimeout Param = 19
	// ParamHasExecNoReloc reports whether the kernel can skip relocation processing
	// when every submitted object's presumed address is still correct.
	ParamHasExecNoReloc Param = 25
)

// RelocEntry is one kernel-visible relocation: a request that the value at Offset
// bytes into the owning object be rewritten to the target object's final address
// plus Delta before execution.
//
// TargetIndex indexes the submission's object array, not a raw handle; the driver
// rewrites it from the target's handle during submission packaging.
type RelocEntry struct {
	TargetIndex uint32
	Offset      int
	Delta       uint64
	Presumed    uint64
}

// ExecObject is one entry in an execution request's object array. Offset carries the
// address the driver last saw for the object; the kernel writes the object's actual
// address back into the same field after placement.
type ExecObject struct {
	Handle Handle
	Relocs []RelocEntry
	Offset uint64
}

// ExecRequest is a packaged command stream execution: the full set of referenced
// objects plus the location of the batch within the final object. BatchObject must
// index the object whose backing holds the instruction stream to start from.
type ExecRequest struct {
	Objects     []ExecObject
	BatchObject int
	BatchStart  int
	BatchLen    int

	// NoReloc asserts that every RelocEntry's Presumed address is current, allowing
	// the kernel to skip relocation processing entirely.
	NoReloc   bool
	ContextID uint32
}

// Interface is the kernel graphics capability this module consumes: object
// allocation, mapping, execution, and synchronization. Implementations must be safe
// for concurrent use by multiple goroutines.
type Interface interface {
	// Create allocates a new memory object of the given byte size.
	Create(size int) (Handle, error)
	// Map maps size bytes of the object at the given byte offset into the caller's
	// address space. The returned slice stays valid until Unmap.
	Map(h Handle, offset, size int) ([]byte, error)
	// Unmap releases a mapping previously returned from Map.
	Unmap(data []byte) error
	// Close releases the object. Any mappings must already be unmapped.
	Close(h Handle) error
	// Execbuffer submits a packaged execution request.
	Execbuffer(req *ExecRequest) error
	// Wait blocks until the object is idle or timeoutNs elapses. A negative timeout
	// waits forever. Returns ErrTimeout when the deadline passes first.
	Wait(h Handle, timeoutNs int64) error
	// Param queries a device parameter.
	Param(p Param) (int64, error)
}
