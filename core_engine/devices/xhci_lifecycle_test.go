package devices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type noopInterruptSink struct{ asserted int }

func (s *noopInterruptSink) AssertMSI(uint16) error { s.asserted++; return nil }
func (s *noopInterruptSink) AssertINTx() error      { s.asserted++; return nil }

func newTestController(t *testing.T, opt Options) (*Xhci, *SliceGuestMemory) {
	t.Helper()
	mem := NewSliceGuestMemory(make([]byte, 1<<20))
	x, err := NewXhci(mem, &noopInterruptSink{}, nil, opt)
	require.NoError(t, err)
	t.Cleanup(x.Deinit)
	return x, mem
}

func writeU32(mem *SliceGuestMemory, addr uint64, v uint32) {
	b, _ := mem.Resolve(addr, 4)
	putLeUint32(b, v)
}

func writeU64(mem *SliceGuestMemory, addr uint64, v uint64) {
	b, _ := mem.Resolve(addr, 8)
	putLeUint64(b, v)
}

// writeCmdTrb places one 16-byte TRB at addr with the given cycle bit.
func writeCmdTrb(mem *SliceGuestMemory, addr uint64, t Trb, cycle bool) {
	if cycle {
		t.Control |= 1
	} else {
		t.Control &^= 1
	}
	enc := EncodeTrb(t)
	b, _ := mem.Resolve(addr, 16)
	copy(b, enc[:])
}

// TestSingleInstanceGuard exercises §9's process-wide guard: a second
// concurrent controller must fail to construct until the first is torn down.
func TestSingleInstanceGuard(t *testing.T) {
	mem := NewSliceGuestMemory(make([]byte, 4096))
	x1, err := NewXhci(mem, &noopInterruptSink{}, nil, Options{})
	require.NoError(t, err)

	_, err = NewXhci(mem, &noopInterruptSink{}, nil, Options{})
	require.Error(t, err)

	x1.Deinit()
	x2, err := NewXhci(mem, &noopInterruptSink{}, nil, Options{})
	require.NoError(t, err)
	x2.Deinit()
}

// TestPortscRoAndW1c verifies §4.1's PORTSC write semantics: read-only bits
// survive a write, and write-1-to-clear bits (here CSC) actually clear.
func TestPortscRoAndW1c(t *testing.T) {
	x, _ := newTestController(t, Options{})
	require.NoError(t, x.Connect(DeviceInfo{Path: "1-1", BcdUSB: 0x0200, Speed: SpeedHigh}))

	val, err := x.ReadMMIO(XhciPortRegBase, 4)
	require.NoError(t, err)
	require.NotZero(t, val&PortscCcs, "connect should set CCS")
	require.NotZero(t, val&PortscCsc, "connect should set CSC")

	// Attempt to clear CCS directly (read-only) while clearing CSC (W1C).
	require.NoError(t, x.WriteMMIO(XhciPortRegBase, 4, PortscCsc))

	val2, err := x.ReadMMIO(XhciPortRegBase, 4)
	require.NoError(t, err)
	require.NotZero(t, val2&PortscCcs, "CCS must survive a write (read-only)")
	require.Zero(t, val2&PortscCsc, "CSC must clear on write-1")
}

// TestEnableAddressDisableSlotRoundTrip drives the command ring through
// Enable Slot -> Address Device -> Disable Slot end to end (§4.5, §8 S3),
// verifying the output device context's slot state/address fields.
func TestEnableAddressDisableSlotRoundTrip(t *testing.T) {
	x, mem := newTestController(t, Options{})
	require.NoError(t, x.Connect(DeviceInfo{Path: "1-1", BcdUSB: 0x0200, Speed: SpeedHigh, Backend: NewTabletBackend()}))

	const (
		dcbaaAddr   = 0x10000
		devCtxAddr  = 0x11000
		inputCtx    = 0x12000
		cmdRingAddr = 0x13000
		erstAddr    = 0x14000
		erSegAddr   = 0x15000
	)

	// Event ring: one-segment ERST pointing at erSegAddr, 16 entries.
	writeU64(mem, erstAddr, erSegAddr)
	writeU32(mem, erstAddr+8, 16)
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstsz, 4, 1))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba, 4, uint32(erstAddr)))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba+4, 4, 0))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegIman, 4, ImanIe))
	require.NoError(t, x.WriteMMIO(XhciOpBase+RegUsbCmd, 4, UsbCmdIntEn))

	// DCBAAP / device context slot.
	writeU64(mem, dcbaaAddr+8, devCtxAddr) // slot 1 entry
	require.NoError(t, x.WriteMMIO(XhciOpBase+RegDcbaap, 4, uint32(dcbaaAddr)))

	// Command ring.
	require.NoError(t, x.WriteMMIO(XhciOpBase+RegCrcr, 4, uint32(cmdRingAddr)|CrcrRcs))

	// TRB 0: Enable Slot.
	writeCmdTrb(mem, cmdRingAddr, Trb{Control: makeTrbControl(TrbEnableSlot, false)}, true)
	require.NoError(t, x.WriteMMIO(XhciDbOff, 4, 0))

	cc0 := readEventCompletionCode(t, mem, erSegAddr, 0)
	require.Equal(t, CcSuccess, cc0)
	slotID := readEventSlotID(mem, erSegAddr, 0)
	require.Equal(t, uint8(1), slotID)

	// Build the Input Context: control context (add slot+EP0), slot ctx, EP0 ctx.
	writeU32(mem, inputCtx+4, 0x3) // AddFlags bits 0,1
	writeSlotContextFieldsForTest(mem, inputContextSlotAddr(inputCtx), slotContextFields{
		RouteString: 0,
		Speed:       SpeedHigh,
		RootHubPort: 1,
	})
	writeEpContextFieldsForTest(mem, inputContextEpAddr(inputCtx, 1), epContextFields{
		EpType: 4, MaxPacket: 64, RingDeqAddr: 0x20000, Dcs: true,
	})

	// TRB 1: Address Device, slot 1, pointer = inputCtx.
	writeCmdTrb(mem, cmdRingAddr+16, Trb{
		Parameter: inputCtx,
		Control:   makeTrbControl(TrbAddressDevice, false) | (uint32(1) << 24),
	}, true)
	require.NoError(t, x.WriteMMIO(XhciDbOff, 4, 0))

	cc1 := readEventCompletionCode(t, mem, erSegAddr, 1)
	require.Equal(t, CcSuccess, cc1)

	outSlot, err := readSlotContextFields(mem, deviceContextSlotAddr(devCtxAddr))
	require.NoError(t, err)
	require.Equal(t, SlotAddressed, outSlot.SlotState)
	require.Equal(t, uint8(1), outSlot.Address)

	// TRB 2: Disable Slot.
	writeCmdTrb(mem, cmdRingAddr+32, Trb{
		Control: makeTrbControl(TrbDisableSlot, false) | (uint32(1) << 24),
	}, true)
	require.NoError(t, x.WriteMMIO(XhciDbOff, 4, 0))

	cc2 := readEventCompletionCode(t, mem, erSegAddr, 2)
	require.Equal(t, CcSuccess, cc2)

	// A second Disable Slot on the same (now-freed) slot must fail.
	writeCmdTrb(mem, cmdRingAddr+48, Trb{
		Control: makeTrbControl(TrbDisableSlot, false) | (uint32(1) << 24),
	}, true)
	require.NoError(t, x.WriteMMIO(XhciDbOff, 4, 0))
	cc3 := readEventCompletionCode(t, mem, erSegAddr, 3)
	require.Equal(t, CcSlotNotEnabledError, cc3)
}

func writeSlotContextFieldsForTest(mem *SliceGuestMemory, addr uint64, f slotContextFields) {
	_ = writeSlotContextLocked(mem, addr, f)
}

func writeEpContextFieldsForTest(mem *SliceGuestMemory, addr uint64, f epContextFields) {
	_ = writeEpContextLocked(mem, addr, f)
}

func readEventCompletionCode(t *testing.T, mem *SliceGuestMemory, erSegAddr uint64, idx int) uint32 {
	t.Helper()
	b, err := mem.Resolve(erSegAddr+uint64(idx)*16, 16)
	require.NoError(t, err)
	trb := DecodeTrb(b)
	return trb.CompletionCode()
}

func readEventSlotID(mem *SliceGuestMemory, erSegAddr uint64, idx int) uint8 {
	b, _ := mem.Resolve(erSegAddr+uint64(idx)*16, 16)
	return DecodeTrb(b).SlotID()
}

// TestEventRingFullRaisesHostControllerEvent verifies §4.4: when an insert
// fills the event ring, the controller synthesizes a Host Controller event
// with CcEventRingFullError in the last written slot.
func TestEventRingFullRaisesHostControllerEvent(t *testing.T) {
	x, mem := newTestController(t, Options{})

	const erstAddr = 0x30000
	const erSegAddr = 0x31000
	writeU64(mem, erstAddr, erSegAddr)
	writeU32(mem, erstAddr+8, 1) // a single-entry segment: fills on the very first event
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstsz, 4, 1))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba, 4, uint32(erstAddr)))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba+4, 4, 0))

	require.NoError(t, x.Connect(DeviceInfo{Path: "1-2", BcdUSB: 0x0200, Speed: SpeedHigh}))

	// The connect's own port-status-change event fills the 1-entry ring, so
	// the Host Controller overflow marker must have overwritten it.
	b, err := mem.Resolve(erSegAddr, 16)
	require.NoError(t, err)
	trb := DecodeTrb(b)
	require.Equal(t, TrbHostController, trb.Type())
	require.Equal(t, CcEventRingFullError, trb.CompletionCode())
}

// setUpEventRing points the controller's event ring at a one-entry ERST in
// mem whose single segment at erSegAddr holds the given number of entries.
func setUpEventRing(t *testing.T, x *Xhci, mem *SliceGuestMemory, erstAddr, erSegAddr uint64, entries uint32) {
	t.Helper()
	writeU64(mem, erstAddr, erSegAddr)
	writeU32(mem, erstAddr+8, entries)
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstsz, 4, 1))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba, 4, uint32(erstAddr)))
	require.NoError(t, x.WriteMMIO(XhciIntrRegBase+RegErstba+4, 4, 0))
}

// TestDrainEventDataUsesDriverPayload verifies §4.7/§8 S5: an Event-Data
// block's Transfer Event carries the driver-supplied payload as qwTrb0, not
// the TRB's own guest address.
func TestDrainEventDataUsesDriverPayload(t *testing.T) {
	x, mem := newTestController(t, Options{})
	const erstAddr, erSegAddr = 0x40000, 0x41000
	setUpEventRing(t, x, mem, erstAddr, erSegAddr, 16)

	ep := newEndpoint(4, 64, 0x50000, true)
	const payload = uint64(0xDEADBEEFCAFEF00D)
	idx, ok := ep.push(XferBlock{
		State:        XferHandled,
		TrbGuestAddr: 0x60000,
		IsEventData:  true,
		EventPayload: payload,
	})
	require.True(t, ok)
	require.Zero(t, idx)

	x.mu.Lock()
	x.drainCompletionsLocked(1, 1, ep)
	x.mu.Unlock()

	b, err := mem.Resolve(erSegAddr, 16)
	require.NoError(t, err)
	trb := DecodeTrb(b)
	require.Equal(t, TrbTransferEvent, trb.Type())
	require.Equal(t, payload, trb.Parameter)
	require.Equal(t, CcSuccess, trb.CompletionCode())
}

// TestDrainStallReportsStallNotShortPacket verifies §7: a STALL completion
// with zero bytes delivered against a nonzero request must surface as
// CcStallError, not be overwritten to CcShortPacket by the short-packet
// heuristic, while still halting the endpoint.
func TestDrainStallReportsStallNotShortPacket(t *testing.T) {
	x, mem := newTestController(t, Options{})
	const erstAddr, erSegAddr = 0x42000, 0x43000
	setUpEventRing(t, x, mem, erstAddr, erSegAddr, 16)

	ep := newEndpoint(4, 8, 0x51000, true)
	idx, ok := ep.push(XferBlock{
		State:          XferDone,
		TrbGuestAddr:   0x61000,
		BytesRequested: 18,
		BytesDone:      0,
		Ioc:            true,
		Err:            BeStalled,
	})
	require.True(t, ok)
	require.Zero(t, idx)

	x.mu.Lock()
	x.drainCompletionsLocked(1, 1, ep)
	x.mu.Unlock()

	require.Equal(t, EpHalted, ep.State)

	b, err := mem.Resolve(erSegAddr, 16)
	require.NoError(t, err)
	trb := DecodeTrb(b)
	require.Equal(t, TrbTransferEvent, trb.Type())
	require.Equal(t, CcStallError, trb.CompletionCode())
}

// TestStopEndpointFlushesPendingBlocks verifies the redesigned Stop Endpoint
// behavior (§4.5, §9): an outstanding (still-pending) block gets a STOPPED
// Transfer Event and the queue is cleared rather than left to complete
// silently.
func TestStopEndpointFlushesPendingBlocks(t *testing.T) {
	x, mem := newTestController(t, Options{})
	const erstAddr, erSegAddr = 0x44000, 0x45000
	setUpEventRing(t, x, mem, erstAddr, erSegAddr, 16)

	ep := newEndpoint(4, 64, 0x52000, true)
	idx, ok := ep.push(XferBlock{
		State:          XferPending,
		TrbGuestAddr:   0x62000,
		BytesRequested: 32,
	})
	require.True(t, ok)
	require.Zero(t, idx)

	x.mu.Lock()
	x.flushStoppedEndpointLocked(1, 1, ep)
	x.mu.Unlock()

	require.Zero(t, ep.Count, "queue must be cleared")

	b, err := mem.Resolve(erSegAddr, 16)
	require.NoError(t, err)
	trb := DecodeTrb(b)
	require.Equal(t, TrbTransferEvent, trb.Type())
	require.Equal(t, CcStopped, trb.CompletionCode())
}

// TestVbdpResumeReplayPreservesBackend verifies that replaying a deferred
// VBDP connect after a save/resume cycle keeps the surviving DevInfo
// (including its Backend reference) instead of rebuilding a bare one from
// just the device path.
func TestVbdpResumeReplayPreservesBackend(t *testing.T) {
	x, _ := newTestController(t, Options{})
	tb := NewTabletBackend()

	x.mu.Lock()
	x.nativePorts[1] = NativePort{
		DevInfo:     DeviceInfo{Path: "1-1", BcdUSB: 0x0200, Speed: SpeedHigh, Backend: tb},
		VirtualPort: 1,
		State:       PortAssigned,
	}
	x.vbdp = append(x.vbdp, VbdpRecord{DevPath: "1-1", VirtualPort: 1, State: VbdpEnd})
	x.mu.Unlock()

	x.drainVbdpEnds()

	x.mu.Lock()
	defer x.mu.Unlock()
	require.Equal(t, PortConnected, x.nativePorts[1].State)
	require.Equal(t, tb, x.nativePorts[1].DevInfo.Backend)
}

// TestTabletBackendReportDelivery exercises the internal tablet backend's
// queue (§4.9): pushed reports are delivered oldest-first and an empty queue
// yields a zero-length success rather than blocking or erroring.
func TestTabletBackendReportDelivery(t *testing.T) {
	tb := NewTabletBackend()
	require.NoError(t, tb.Init(func(uint8, uint8) {}))

	xfer := &Xfer{Data: make([]byte, 5)}
	cc := tb.Data(xfer, XferIn, 1)
	require.Equal(t, BeNormal, cc)
	require.Zero(t, xfer.ActualLen, "no report queued yet")

	tb.PushReport(TabletReport{Buttons: 1, X: 100, Y: 200})
	xfer2 := &Xfer{Data: make([]byte, 5)}
	cc2 := tb.Data(xfer2, XferIn, 1)
	require.Equal(t, BeNormal, cc2)
	require.EqualValues(t, 5, xfer2.ActualLen)
	require.Equal(t, uint8(1), xfer2.Data[0])
}
