package gem

import (
	"encoding/binary"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

// simBase is the first address the simulator hands out. Nonzero so that a zero
// address is never a valid object base.
const simBase uint64 = 1 << 20

type simObject struct {
	data    []byte
	address uint64
	busy    bool
}

// Simulator is an in-process Interface implementation. It places objects in a flat
// fake address space, applies relocations by rewriting mapped bytes, and completes
// every execution immediately. The driver's no-hardware mode and this module's tests
// run against it.
type Simulator struct {
	mu          sync.Mutex
	nextHandle  Handle
	nextAddress uint64
	objects     *swiss.Map[Handle, *simObject]

	// LastRequest records the most recent Execbuffer argument for inspection.
	LastRequest *ExecRequest
	// SubmitCount counts successful Execbuffer calls.
	SubmitCount int
	// FailSubmit forces the next Execbuffer call to fail.
	FailSubmit bool
}

var _ Interface = &Simulator{}

func NewSimulator() *Simulator {
	return &Simulator{
		nextHandle:  1,
		nextAddress: simBase,
		objects:     swiss.NewMap[Handle, *simObject](42),
	}
}

func (s *Simulator) Create(size int) (Handle, error) {
	if size <= 0 {
		return 0, errors.Errorf("invalid object size %d", size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.nextHandle
	s.nextHandle++

	s.objects.Put(h, &simObject{
		data:    make([]byte, size),
		address: s.nextAddress,
	})
	s.nextAddress += uint64(size)

	return h, nil
}

func (s *Simulator) Map(h Handle, offset, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects.Get(h)
	if !ok {
		return nil, errors.Errorf("map of unknown object handle %d", h)
	}
	if offset < 0 || size < 0 || offset+size > len(obj.data) {
		return nil, errors.Errorf("map range [%d, %d) outside object of size %d", offset, offset+size, len(obj.data))
	}

	return obj.data[offset : offset+size : offset+size], nil
}

func (s *Simulator) Unmap(data []byte) error {
	return nil
}

func (s *Simulator) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects.Get(h); !ok {
		return errors.Errorf("close of unknown object handle %d", h)
	}
	s.objects.Delete(h)
	return nil
}

// Address returns the simulator's current placement of the object.
func (s *Simulator) Address(h Handle) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects.Get(h)
	if !ok {
		return 0, errors.Errorf("address query for unknown object handle %d", h)
	}
	return obj.address, nil
}

// MoveAll shifts every live object's address by delta. Submissions recorded before a
// move carry stale presumed addresses, which exercises the relocation slow path.
func (s *Simulator) MoveAll(delta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects.Iter(func(h Handle, obj *simObject) bool {
		obj.address += delta
		return false
	})
}

func (s *Simulator) Execbuffer(req *ExecRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSubmit {
		s.FailSubmit = false
		return errors.New("injected execbuffer failure")
	}

	if req.BatchObject < 0 || req.BatchObject >= len(req.Objects) {
		return errors.Errorf("batch object index %d outside object array of length %d", req.BatchObject, len(req.Objects))
	}

	objs := make([]*simObject, len(req.Objects))
	for i, eo := range req.Objects {
		obj, ok := s.objects.Get(eo.Handle)
		if !ok {
			return errors.Errorf("execbuffer references unknown object handle %d", eo.Handle)
		}
		objs[i] = obj
	}

	// Process relocations unless the caller asserted every presumed address is
	// current. The assertion is verified; a stale address under NoReloc is a
	// driver bug the simulator refuses to paper over.
	for i, eo := range req.Objects {
		for _, rel := range eo.Relocs {
			if int(rel.TargetIndex) >= len(objs) {
				return errors.Errorf("relocation target index %d outside object array", rel.TargetIndex)
			}
			target := objs[rel.TargetIndex]

			if req.NoReloc {
				if rel.Presumed != target.address {
					return cerrors.Errorf(
						"no-reloc submission carries stale presumed address %#x for object at %#x",
						rel.Presumed, target.address)
				}
				continue
			}

			if rel.Offset < 0 || rel.Offset+8 > len(objs[i].data) {
				return errors.Errorf("relocation offset %d outside object of size %d", rel.Offset, len(objs[i].data))
			}
			binary.LittleEndian.PutUint64(objs[i].data[rel.Offset:], target.address+rel.Delta)
		}
	}

	// Report final placements back through the object array, as the kernel does.
	for i := range req.Objects {
		req.Objects[i].Offset = objs[i].address
	}

	s.LastRequest = req
	s.SubmitCount++
	return nil
}

func (s *Simulator) Wait(h Handle, timeoutNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects.Get(h)
	if !ok {
		return errors.Errorf("wait on unknown object handle %d", h)
	}
	if obj.busy && timeoutNs >= 0 {
		return ErrTimeout
	}
	return nil
}

// SetBusy marks an object permanently busy so bounded waits on it time out.
func (s *Simulator) SetBusy(h Handle, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects.Get(h); ok {
		obj.busy = busy
	}
}

func (s *Simulator) Param(p Param) (int64, error) {
	switch p {
	case ParamChipsetID:
		return 0x1616, nil
	case ParamHasWaitTimeout, ParamHasExecNoReloc:
		return 1, nil
	}
	return 0, errors.Errorf("unknown device parameter %d", p)
}
