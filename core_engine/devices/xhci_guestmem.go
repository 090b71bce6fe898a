// core_engine/devices/xhci_guestmem.go
package devices

import "fmt"

// GuestMemory replaces the raw guest pointers the original device model used
// directly: every structural field access re-resolves a guest-physical
// address through this capability instead of caching a host pointer across
// operations (§9 design notes, §5 resource model). A resolve is bounded to a
// single 4 KiB page window so a malformed guest address can never walk off
// the end of the backing store.
type GuestMemory interface {
	// Resolve returns a byte window into guest memory starting at addr,
	// at least length bytes long, or an error if addr+length would cross a
	// page boundary or fall outside guest memory.
	Resolve(addr uint64, length int) ([]byte, error)
}

const guestPageSize = 4096

// SliceGuestMemory is a GuestMemory backed by a single flat byte slice,
// suitable for tests and for a demo/non-KVM host mapping.
type SliceGuestMemory struct {
	mem []byte
}

func NewSliceGuestMemory(mem []byte) *SliceGuestMemory {
	return &SliceGuestMemory{mem: mem}
}

func (g *SliceGuestMemory) Resolve(addr uint64, length int) ([]byte, error) {
	if length <= 0 || length > guestPageSize {
		return nil, fmt.Errorf("xhci: guest memory resolve length %d out of bounds", length)
	}
	pageStart := addr &^ uint64(guestPageSize-1)
	if addr+uint64(length) > pageStart+guestPageSize {
		return nil, fmt.Errorf("xhci: guest memory resolve at 0x%x len %d crosses a page boundary", addr, length)
	}
	end := addr + uint64(length)
	if end > uint64(len(g.mem)) || addr > end {
		return nil, fmt.Errorf("xhci: guest memory resolve at 0x%x len %d out of range (mem size %d)", addr, length, len(g.mem))
	}
	return g.mem[addr:end], nil
}

func readGuestTrb(gm GuestMemory, addr uint64) (Trb, error) {
	b, err := gm.Resolve(addr, 16)
	if err != nil {
		return Trb{}, fmt.Errorf("xhci: read TRB at 0x%x: %w", addr, err)
	}
	return DecodeTrb(b), nil
}

func writeGuestTrbCycle(gm GuestMemory, addr uint64, cycle bool) error {
	b, err := gm.Resolve(addr+12, 4)
	if err != nil {
		return fmt.Errorf("xhci: write TRB cycle at 0x%x: %w", addr, err)
	}
	ctl := leUint32(b)
	if cycle {
		ctl |= 1
	} else {
		ctl &^= 1
	}
	putLeUint32(b, ctl)
	return nil
}

func readGuestUint32(gm GuestMemory, addr uint64) (uint32, error) {
	b, err := gm.Resolve(addr, 4)
	if err != nil {
		return 0, err
	}
	return leUint32(b), nil
}

func readGuestUint64(gm GuestMemory, addr uint64) (uint64, error) {
	b, err := gm.Resolve(addr, 8)
	if err != nil {
		return 0, err
	}
	return leUint64(b), nil
}

func writeGuestBytes(gm GuestMemory, addr uint64, src []byte) error {
	dst, err := gm.Resolve(addr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
