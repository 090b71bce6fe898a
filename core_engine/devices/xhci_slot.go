// core_engine/devices/xhci_slot.go
package devices

import "fmt"

// ctxSize is the byte size of one Slot or Endpoint Context entry, and of the
// Input Control Context that prefixes an Input Context (§4.5, §6 glossary).
const ctxSize = 32

// Slot is an emulated device instance (Data Model §3 "Slot"). Slot index is
// the USB device address (1:1 mapping, §4.5 Address Device).
type Slot struct {
	Backend      UsbBackend
	DevCtxAddr   uint64 // guest address of this slot's Device Context (from DCBAA)
	State        SlotState
	Address      uint8
	RootPort     uint8
	RouteString  uint32
	Speed        uint32
	Endpoints    [XhciMaxEndpoints]*Endpoint
}

// Endpoint is a per-slot transfer-ring consumer (Data Model §3 "Endpoint").
// Index 0 is unused; EP0 (control) is index 1; others follow DCI numbering
// (endpoint number*2 + direction).
type Endpoint struct {
	State     EpState
	EpType    uint8
	MaxPacket uint16

	RingDeqAddr uint64
	Ccs         bool

	Blocks     [XhciMaxXferBlocks]XferBlock
	Head       int // index of the oldest not-yet-drained block
	Count      int // number of blocks currently in use, starting at Head
	EdtlaAccum uint32 // bytes delivered since the last drained Event Data block

	// pendingXfer/pendingBlocks/pendingDir track a dispatch to an
	// asynchronous (host-passthrough) backend until its NotifyFunc callback
	// arrives (§5 concurrent actor 2); nil once drained.
	pendingXfer   *Xfer
	pendingBlocks []*XferBlock
	pendingDir    XferDirection

	// StreamCtxArrayAddr is nonzero when the endpoint is stream-capable;
	// only a single primary stream is supported (§1 Non-goals, §9).
	StreamCtxArrayAddr uint64
}

// allocateSlotLocked implements §4.5 Enable Slot: lowest free slot index.
// Caller holds x.mu.
func (x *Xhci) allocateSlotLocked() (uint8, error) {
	for i := 1; i <= XhciMaxSlots; i++ {
		if x.slots[i] == nil {
			x.slots[i] = &Slot{State: SlotDefault}
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("xhci: %w", errNoSlotsAvailable)
}

var errNoSlotsAvailable = fmt.Errorf("no free slots available")

// destroySlotLocked tears down a slot's backend and frees its table entry.
// It does not touch PORTSC or VBDP bookkeeping; callers that model a guest
// Disable Slot command do that separately (§4.5). Caller holds x.mu.
func (x *Xhci) destroySlotLocked(slotID uint8) {
	s := x.slots[slotID]
	if s == nil {
		return
	}
	if s.Backend != nil {
		if err := s.Backend.Stop(); err != nil {
			x.logf(LogWarn, "slot %d: backend stop: %v", slotID, err)
		}
		if err := s.Backend.Deinit(); err != nil {
			x.logf(LogWarn, "slot %d: backend deinit: %v", slotID, err)
		}
	}
	for i := range s.Endpoints {
		s.Endpoints[i] = nil
	}
	x.slots[slotID] = nil
}

// newEndpoint creates an endpoint in the RUNNING state with the given type,
// max packet size, ring dequeue pointer, and cycle state (§4.5 Address
// Device / Configure Endpoint "initialize the ring").
func newEndpoint(epType uint8, maxPacket uint16, ringAddr uint64, ccs bool) *Endpoint {
	return &Endpoint{
		State:       EpRunning,
		EpType:      epType,
		MaxPacket:   maxPacket,
		RingDeqAddr: ringAddr,
		Ccs:         ccs,
	}
}

// inputControlContext is the decoded first ctxSize bytes of an Input
// Context: drop-endpoint flags (dword0) and add-endpoint flags (dword1)
// (§4.5 Address Device / Configure Endpoint / Evaluate Context).
type inputControlContext struct {
	DropFlags uint32
	AddFlags  uint32
}

func readInputControlContext(gm GuestMemory, inputCtxAddr uint64) (inputControlContext, error) {
	b, err := gm.Resolve(inputCtxAddr, 8)
	if err != nil {
		return inputControlContext{}, fmt.Errorf("xhci: read input control context: %w", err)
	}
	return inputControlContext{DropFlags: leUint32(b[0:4]), AddFlags: leUint32(b[4:8])}, nil
}

// slotContextFields is the decoded form of a Slot Context entry, restricted
// to the fields this emulation reads or writes (§4.5, §6).
type slotContextFields struct {
	RouteString    uint32 // SCTX0[19:0]
	Speed          uint32 // SCTX0[23:20]
	MaxExitLatency uint16 // SCTX1[15:0]
	RootHubPort    uint8  // SCTX1[23:16]
	IntrTarget     uint16 // SCTX2[31:22]
	SlotState      SlotState
	Address        uint8
}

func readSlotContextFields(gm GuestMemory, ctxAddr uint64) (slotContextFields, error) {
	b, err := gm.Resolve(ctxAddr, ctxSize)
	if err != nil {
		return slotContextFields{}, fmt.Errorf("xhci: read slot context: %w", err)
	}
	sctx0 := leUint32(b[0:4])
	sctx1 := leUint32(b[4:8])
	sctx2 := leUint32(b[8:12])
	sctx3 := leUint32(b[12:16])
	return slotContextFields{
		RouteString:    sctx0 & 0xFFFFF,
		Speed:          (sctx0 >> 20) & 0xF,
		MaxExitLatency: uint16(sctx1 & 0xFFFF),
		RootHubPort:    uint8((sctx1 >> 16) & 0xFF),
		IntrTarget:     uint16((sctx2 >> 22) & 0x3FF),
		SlotState:      SlotState((sctx3 >> 27) & 0x1F),
		Address:        uint8(sctx3 & 0xFF),
	}, nil
}

// writeSlotContextLocked writes the output Slot Context fields that the
// controller, rather than the guest, owns: slot state and device address
// (§4.5 Address Device, §8 scenario S3), plus the route string/speed/root
// port copied in from the input context.
func writeSlotContextLocked(gm GuestMemory, ctxAddr uint64, f slotContextFields) error {
	b, err := gm.Resolve(ctxAddr, ctxSize)
	if err != nil {
		return fmt.Errorf("xhci: write slot context: %w", err)
	}
	sctx0 := (f.RouteString & 0xFFFFF) | (f.Speed&0xF)<<20
	sctx1 := uint32(f.MaxExitLatency) | uint32(f.RootHubPort)<<16
	sctx2 := uint32(f.IntrTarget&0x3FF) << 22
	sctx3 := uint32(f.Address) | uint32(f.SlotState)<<27
	putLeUint32(b[0:4], sctx0)
	putLeUint32(b[4:8], sctx1)
	putLeUint32(b[8:12], sctx2)
	putLeUint32(b[12:16], sctx3)
	return nil
}

// epContextFields is the decoded/encoded form of an Endpoint Context entry
// (§4.5, §6), restricted to the fields this emulation uses.
type epContextFields struct {
	EpType      uint8  // EPCTX1[5:3]
	MaxPacket   uint16 // EPCTX1[31:16]
	RingDeqAddr uint64 // EPCTX2/EPCTX3, bits [63:4], with DCS in bit 0 of EPCTX2
	Dcs         bool
}

func readEpContextFields(gm GuestMemory, ctxAddr uint64) (epContextFields, error) {
	b, err := gm.Resolve(ctxAddr, ctxSize)
	if err != nil {
		return epContextFields{}, fmt.Errorf("xhci: read endpoint context: %w", err)
	}
	epctx1 := leUint32(b[4:8])
	epctx2 := leUint32(b[8:12])
	epctx3 := leUint32(b[12:16])
	ptr := (uint64(epctx3) << 32) | uint64(epctx2&^0xF)
	return epContextFields{
		EpType:      uint8((epctx1 >> 3) & 0x7),
		MaxPacket:   uint16(epctx1 >> 16),
		RingDeqAddr: ptr,
		Dcs:         epctx2&1 != 0,
	}, nil
}

func writeEpContextLocked(gm GuestMemory, ctxAddr uint64, f epContextFields) error {
	b, err := gm.Resolve(ctxAddr, ctxSize)
	if err != nil {
		return fmt.Errorf("xhci: write endpoint context: %w", err)
	}
	epctx1 := (uint32(f.EpType) & 0x7 << 3) | uint32(f.MaxPacket)<<16
	epctx2 := uint32(f.RingDeqAddr&0xFFFFFFFF) &^ 0xF
	if f.Dcs {
		epctx2 |= 1
	}
	epctx3 := uint32(f.RingDeqAddr >> 32)
	putLeUint32(b[4:8], epctx1)
	putLeUint32(b[8:12], epctx2)
	putLeUint32(b[12:16], epctx3)
	return nil
}

// deviceContextSlotAddr and deviceContextEpAddr locate entries within a
// Device Context array: index 0 is the Slot Context, indices 1..31 are
// Endpoint Contexts addressed by DCI (§6 glossary "Endpoint").
func deviceContextSlotAddr(devCtxAddr uint64) uint64 { return devCtxAddr }
func deviceContextEpAddr(devCtxAddr uint64, dci uint8) uint64 {
	return devCtxAddr + uint64(dci)*ctxSize
}

// inputContextSlotAddr and inputContextEpAddr locate entries within an
// Input Context: the Input Control Context occupies the first ctxSize
// bytes, then the Device Context layout follows (§4.5, §6).
func inputContextSlotAddr(inputCtxAddr uint64) uint64 { return inputCtxAddr + ctxSize }
func inputContextEpAddr(inputCtxAddr uint64, dci uint8) uint64 {
	return inputCtxAddr + ctxSize + uint64(dci)*ctxSize
}

// epDci converts an endpoint's (number, direction) pair to its Device
// Context Index: EP0 is DCI 1; others are 2*epnum + (0 for OUT, 1 for IN).
func epDci(epNum uint8, dirIn bool) uint8 {
	if epNum == 0 {
		return 1
	}
	if dirIn {
		return epNum*2 + 1
	}
	return epNum * 2
}
