package anvil

import (
	"github.com/pkg/errors"

	"github.com/vkngwrapper/anvil/gem"
)

// ErrOutOfHostMemory indicates a host-side allocation (pool growth, list growth,
// object creation) failed. The call boundary is always recoverable: the caller may
// free other resources and retry.
var ErrOutOfHostMemory error = errors.New("out of host memory")

// ErrOutOfDeviceMemory indicates a device-local pool was exhausted. The flush
// protocol recovers from one occurrence internally; anywhere it escapes to a
// caller, corrective action is outside this layer's scope.
var ErrOutOfDeviceMemory error = errors.New("out of device memory")

// ErrUnknown is a kernel submission failure with no more specific category. The
// command buffer's recorded contents remain valid.
var ErrUnknown error = errors.New("unknown device error")

// ErrNotReady indicates a zero-timeout fence poll found the fence unsignaled. A
// status, not a failure.
var ErrNotReady error = errors.New("not ready")

// ErrUnsupported marks an entry point this driver declares but does not implement.
// It is returned instead of silently succeeding.
var ErrUnsupported error = errors.New("operation not supported by this driver")

// ErrDeviceLost indicates the device reached a state the driver cannot recover
// from, such as repeated surface pool exhaustion within a single flush.
var ErrDeviceLost error = errors.New("device lost")

// ErrTimeout is returned from bounded waits when the deadline elapses first.
// Callers may poll again.
var ErrTimeout = gem.ErrTimeout

// Destroyable is any driver object that releases device-backed resources. The
// destroy-by-type dispatch of classic driver stacks is replaced by this
// capability: callers destroy what they hold, each variant knows how.
type Destroyable interface {
	Destroy() error
}
