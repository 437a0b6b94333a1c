package batch

import (
	"github.com/vkngwrapper/anvil/blockpool"
)

const initialRelocCapacity = 256

// Reloc records one place in an instruction stream that embeds the future GPU
// address of another block: the byte offset of the 8-byte address field within the
// owning batch's block, the target block, an addend, and the target's base address
// as observed at record time. If the target still sits at Presumed when the stream
// is submitted, no patching is required.
type Reloc struct {
	Offset   int
	Target   *blockpool.Block
	Delta    uint64
	Presumed uint64
}

// RelocList is an appendable list of relocations. Entries are never deduplicated:
// adding the same (offset, target, delta) twice yields two entries, both patched to
// the same resolved address at submission. The list shares ownership of every
// target block; a target must outlive the list until it has been processed into a
// submission or the owning batch is destroyed.
type RelocList struct {
	relocs []Reloc
}

// NewRelocList returns an empty list with room for the usual number of relocations
// before the backing array doubles.
func NewRelocList() *RelocList {
	return &RelocList{
		relocs: make([]Reloc, 0, initialRelocCapacity),
	}
}

func (l *RelocList) grow(additional int) {
	if len(l.relocs)+additional <= cap(l.relocs) {
		return
	}

	newCap := cap(l.relocs) * 2
	if newCap == 0 {
		newCap = initialRelocCapacity
	}
	for newCap < len(l.relocs)+additional {
		newCap *= 2
	}

	grown := make([]Reloc, len(l.relocs), newCap)
	copy(grown, l.relocs)
	l.relocs = grown
}

// Add appends an entry and returns the address the caller should embed at the patch
// location right now: the target's currently observed base plus delta. If the
// target does not move before submission, the embedded value is already correct.
func (l *RelocList) Add(offset int, target *blockpool.Block, delta uint64) uint64 {
	l.grow(1)
	l.relocs = append(l.relocs, Reloc{
		Offset:   offset,
		Target:   target,
		Delta:    delta,
		Presumed: target.Address,
	})
	return target.Address + delta
}

// Append merges other's entries into this list, shifting every copied entry's patch
// offset by byteOffset. Used when another batch's bytes have been copied wholesale
// into the owning batch at that offset.
func (l *RelocList) Append(other *RelocList, byteOffset int) {
	l.grow(len(other.relocs))
	for _, rel := range other.relocs {
		rel.Offset += byteOffset
		l.relocs = append(l.relocs, rel)
	}
}

// Len returns the number of entries.
func (l *RelocList) Len() int {
	return len(l.relocs)
}

// At returns the i'th entry.
func (l *RelocList) At(i int) Reloc {
	return l.relocs[i]
}

// Slice returns entries [from, to). The returned slice aliases the list and is
// invalidated by further Adds.
func (l *RelocList) Slice(from, to int) []Reloc {
	return l.relocs[from:to]
}

// Reset empties the list without releasing its backing array.
func (l *RelocList) Reset() {
	l.relocs = l.relocs[:0]
}
