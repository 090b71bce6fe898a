// core_engine/devices/xhci_eventring.go
package devices

import "fmt"

const erRingFull = "EV_RING_FULL"

// ErrEventRingFull is returned by appendEventLocked when the ring was
// already full before this insert (§4.4, §7).
var ErrEventRingFull = fmt.Errorf(erRingFull)

// writeErstbaLocked resolves the event ring segment table at erstba and caches
// segment 0's base address and size (§4.4 Data Model). Only a single
// segment is supported (Non-goal: multi-segment ERST); Erstsz above 1 is
// accepted but only the first entry is honored.
func (x *Xhci) writeErstbaLocked(erstba uint64) error {
	x.rt.Erstba = erstba
	entry, err := x.gm.Resolve(erstba, 16)
	if err != nil {
		return fmt.Errorf("xhci: resolve ERST at 0x%x: %w", erstba, err)
	}
	base := leUint64(entry[0:8])
	size := leUint32(entry[8:12]) & 0xFFFF
	if size == 0 || size > XhciErstMaxSize {
		return fmt.Errorf("xhci: ERST segment size %d out of range", size)
	}
	x.rt.segBase = base
	x.rt.segSize = size
	x.rt.enqIdx = 0
	x.rt.eventsCnt = 0
	x.rt.pcs = true
	return nil
}

// writeErdpLocked implements §4.1 ERDP writes: "clearing ERDP.Busy also
// clears IMAN.Pending; recompute events_cnt from enqueue index minus
// dequeue index modulo segment size."
func (x *Xhci) writeErdpLocked(val uint64) {
	clearedBusy := val&ErdpBusy != 0 && x.rt.Erdp&ErdpBusy != 0
	ptr := val &^ 0xF
	x.rt.Erdp = ptr
	if clearedBusy {
		x.rt.Erdp &^= ErdpBusy
		x.rt.Iman &^= ImanIp
	}
	if x.rt.segSize > 0 {
		deqIdx := uint32((ptr - x.rt.segBase) / 16 % uint64(x.rt.segSize))
		x.rt.eventsCnt = (x.rt.enqIdx - deqIdx + x.rt.segSize) % x.rt.segSize
		if x.rt.eventsCnt == 0 && x.rt.enqIdx != deqIdx {
			x.rt.eventsCnt = x.rt.segSize
		}
	}
}

// appendEventLocked implements §4.4 Event Ring Producer. Caller holds x.mu.
func (x *Xhci) appendEventLocked(t Trb, doIntr bool) error {
	if x.rt.segSize == 0 {
		return fmt.Errorf("xhci: event ring not configured")
	}
	if x.rt.eventsCnt >= x.rt.segSize {
		return ErrEventRingFull
	}

	t.Control = (t.Control &^ 1)
	if x.rt.pcs {
		t.Control |= 1
	}

	slot := x.rt.segBase + uint64(x.rt.enqIdx)*16
	enc := EncodeTrb(t)
	if err := writeGuestBytes(x.gm, slot, enc[:]); err != nil {
		return fmt.Errorf("xhci: append event TRB: %w", err)
	}

	x.rt.enqIdx++
	x.rt.eventsCnt++
	becameFull := x.rt.eventsCnt >= x.rt.segSize
	if x.rt.enqIdx >= x.rt.segSize {
		x.rt.enqIdx = 0
		x.rt.pcs = !x.rt.pcs
	}

	if becameFull {
		hc := newEventTrb(TrbHostController, 0, CcEventRingFullError<<24, 0, false)
		hc.Control = (hc.Control &^ 1)
		if x.rt.pcs {
			hc.Control |= 1
		}
		fullSlot := x.rt.segBase + uint64((x.rt.enqIdx+x.rt.segSize-1)%x.rt.segSize)*16
		encHC := EncodeTrb(hc)
		_ = writeGuestBytes(x.gm, fullSlot, encHC[:])
		doIntr = true
	}

	if doIntr {
		x.raiseInterruptLocked()
	}
	return nil
}

// raiseInterruptLocked implements the interrupt-assembly half of §4.4: "set
// ERDP.Busy, IMAN.Pending, USBSTS.EINT and raise MSI... if IMAN.Enable &
// USBCMD.IntEnable."
func (x *Xhci) raiseInterruptLocked() {
	if x.rt.Iman&ImanIe == 0 || x.usbCmd&UsbCmdIntEn == 0 {
		return
	}
	x.rt.Erdp |= ErdpBusy
	x.rt.Iman |= ImanIp
	x.usbSts |= UsbStsEint
	if err := x.intr.AssertMSI(0); err != nil {
		if err2 := x.intr.AssertINTx(); err2 != nil {
			x.logf(LogWarn, "failed to raise interrupt: msi=%v intx=%v", err, err2)
		}
	}
}

func (x *Xhci) enqueuePortStatusChangeLocked(vport uint8) {
	ctl := uint32(vport) << 24
	t := newEventTrb(TrbPortStatusChange, uint64(vport)<<24, CcSuccess<<24, ctl, false)
	if err := x.appendEventLocked(t, true); err != nil {
		x.logf(LogWarn, "port status change event for port %d dropped: %v", vport, err)
	}
}

func (x *Xhci) enqueueCommandCompletionLocked(cmdTrbAddr uint64, slotID uint8, cc uint32) {
	status := (cc << 24)
	ctl := uint32(slotID) << 24
	t := newEventTrb(TrbCommandCompletion, cmdTrbAddr, status, ctl, false)
	if err := x.appendEventLocked(t, true); err != nil {
		x.logf(LogWarn, "command completion event dropped: %v", err)
	}
}

func (x *Xhci) enqueueTransferEventLocked(trbAddr uint64, slotID, epID uint8, cc uint32, residual uint32, ed bool, edtla uint32) {
	status := (cc << 24) | (residual & 0xFFFFFF)
	ctl := (uint32(slotID) << 24) | (uint32(epID) << 16)
	if ed {
		ctl |= 1 << 2
		status = (cc << 24) | (edtla & 0xFFFFFF)
	}
	t := newEventTrb(TrbTransferEvent, trbAddr, status, ctl, false)
	if err := x.appendEventLocked(t, true); err != nil {
		x.logf(LogWarn, "transfer event dropped: %v", err)
	}
}
