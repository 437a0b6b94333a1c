//go:build linux

package gem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// i915 ioctl numbers, from the kernel uapi.
const (
	drmIoctlBase = 'd'

	drmI915GemCreate     = 0xc010645b
	drmI915GemMmap       = 0xc028645e
	drmI915GemClose      = 0x40086409
	drmI915GemExecbuffer = 0x40406469
	drmI915GemWait       = 0xc010646c
	drmI915GetParam      = 0xc0106446
)

type i915GemCreate struct {
	size   uint64
	handle uint32
	pad    uint32
}

type i915GemClose struct {
	handle uint32
	pad    uint32
}

type i915GemMmap struct {
	handle uint32
	pad    uint32
	offset uint64
	size   uint64
	addr   uint64
	flags  uint64
}

type i915GemWait struct {
	handle  uint32
	flags   uint32
	timeout int64
}

type i915GetParam struct {
	param int32
	pad   int32
	value *int64
}

type i915RelocEntry struct {
	targetHandle uint32
	delta        uint32
	offset       uint64
	presumed     uint64
	readDomains  uint32
	writeDomain  uint32
}

type i915ExecObject struct {
	handle      uint32
	relocCount  uint32
	relocsPtr   uint64
	alignment   uint64
	offset      uint64
	flags       uint64
	rsvd1       uint64
	rsvd2       uint64
}

type i915Execbuffer struct {
	buffersPtr    uint64
	bufferCount   uint32
	batchStart    uint32
	batchLen      uint32
	clipRectsPtr  uint64
	numClipRects  uint32
	dr1           uint32
	dr4           uint32
	flags         uint64
	rsvd1         uint64
	rsvd2         uint64
}

const (
	i915ExecRender    = 1 << 3
	i915ExecHandleLUT = 1 << 13
	i915ExecNoReloc   = 1 << 12
)

// LinuxDevice is the Interface implementation backed by an i915 DRM device file.
type LinuxDevice struct {
	fd        int
	contextID uint32
}

var _ Interface = &LinuxDevice{}

// OpenLinuxDevice opens the DRM render node at path.
func OpenLinuxDevice(path string) (*LinuxDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, cerrors.Wrapf(err, "opening drm device %s", path)
	}
	return &LinuxDevice{fd: fd}, nil
}

func (d *LinuxDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno == unix.ETIME {
			return ErrTimeout
		}
		return cerrors.Wrapf(errno, "drm ioctl %#x", req)
	}
}

func (d *LinuxDevice) Create(size int) (Handle, error) {
	arg := i915GemCreate{size: uint64(size)}
	if err := d.ioctl(drmI915GemCreate, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return Handle(arg.handle), nil
}

func (d *LinuxDevice) Map(h Handle, offset, size int) ([]byte, error) {
	arg := i915GemMmap{
		handle: uint32(h),
		offset: uint64(offset),
		size:   uint64(size),
	}
	if err := d.ioctl(drmI915GemMmap, unsafe.Pointer(&arg)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(arg.addr))), size), nil
}

func (d *LinuxDevice) Unmap(data []byte) error {
	return unix.Munmap(data)
}

func (d *LinuxDevice) Close(h Handle) error {
	arg := i915GemClose{handle: uint32(h)}
	return d.ioctl(drmI915GemClose, unsafe.Pointer(&arg))
}

func (d *LinuxDevice) Execbuffer(req *ExecRequest) error {
	objs := make([]i915ExecObject, len(req.Objects))
	relocs := make([][]i915RelocEntry, len(req.Objects))

	for i, eo := range req.Objects {
		objs[i] = i915ExecObject{
			handle: uint32(eo.Handle),
			offset: eo.Offset,
		}
		if len(eo.Relocs) > 0 {
			relocs[i] = make([]i915RelocEntry, len(eo.Relocs))
			for j, rel := range eo.Relocs {
				relocs[i][j] = i915RelocEntry{
					targetHandle: rel.TargetIndex,
					delta:        uint32(rel.Delta),
					offset:       uint64(rel.Offset),
					presumed:     rel.Presumed,
				}
			}
			objs[i].relocCount = uint32(len(eo.Relocs))
			objs[i].relocsPtr = uint64(uintptr(unsafe.Pointer(&relocs[i][0])))
		}
	}

	flags := uint64(i915ExecHandleLUT | i915ExecRender)
	if req.NoReloc {
		flags |= i915ExecNoReloc
	}

	arg := i915Execbuffer{
		buffersPtr:  uint64(uintptr(unsafe.Pointer(&objs[0]))),
		bufferCount: uint32(len(objs)),
		batchStart:  uint32(req.BatchStart),
		batchLen:    uint32(req.BatchLen),
		flags:       flags,
		rsvd1:       uint64(d.contextID),
	}

	if err := d.ioctl(drmI915GemExecbuffer, unsafe.Pointer(&arg)); err != nil {
		return err
	}

	// The kernel reports final object placement through the object array.
	for i := range req.Objects {
		req.Objects[i].Offset = objs[i].offset
	}
	return nil
}

func (d *LinuxDevice) Wait(h Handle, timeoutNs int64) error {
	arg := i915GemWait{handle: uint32(h), timeout: timeoutNs}
	return d.ioctl(drmI915GemWait, unsafe.Pointer(&arg))
}

func (d *LinuxDevice) Param(p Param) (int64, error) {
	var value int64
	arg := i915GetParam{param: int32(p), value: &value}
	if err := d.ioctl(drmI915GetParam, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return value, nil
}
