// core_engine/devices/xhci_transfer.go
package devices

import "fmt"

// ringTransferDoorbellLocked implements §4.7: triggered by a doorbell write
// targeting slot/endpoint/streamid. Caller holds x.mu.
func (x *Xhci) ringTransferDoorbellLocked(slotID, epTarget uint8, streamID uint16) error {
	s := x.slots[slotID]
	if s == nil {
		x.logf(LogWarn, "transfer doorbell for unallocated slot %d ignored", slotID)
		return nil
	}
	if epTarget == 0 || int(epTarget) >= XhciMaxEndpoints {
		return fmt.Errorf("xhci: transfer doorbell targets out-of-range endpoint %d", epTarget)
	}
	ep := s.Endpoints[epTarget]
	if ep == nil || ep.State != EpRunning {
		x.logf(LogDebug, "transfer doorbell for slot %d ep %d: endpoint not running", slotID, epTarget)
		return nil
	}

	ringAddr, ccs, fromStream := ep.RingDeqAddr, ep.Ccs, false
	if streamID != 0 && ep.StreamCtxArrayAddr != 0 {
		entryAddr := ep.StreamCtxArrayAddr + uint64(streamID)*16
		raw, err := readGuestUint64(x.gm, entryAddr)
		if err != nil {
			return fmt.Errorf("xhci: read stream context: %w", err)
		}
		ringAddr = raw &^ 0xF
		ccs = raw&1 != 0
		fromStream = true
	}

	batch, nextAddr, nextCcs, boundary := x.walkTransferRingLocked(ep, ringAddr, ccs, streamID)
	if fromStream {
		x.writeStreamDequeueLocked(ep.StreamCtxArrayAddr, streamID, nextAddr, nextCcs)
	} else {
		ep.RingDeqAddr, ep.Ccs = nextAddr, nextCcs
	}
	if len(batch) == 0 {
		return nil
	}

	x.dispatchTransferBatchLocked(s, slotID, epTarget, ep, batch)
	if boundary {
		x.drainCompletionsLocked(slotID, epTarget, ep)
	}
	return nil
}

// walkTransferRingLocked appends xfer blocks for every TRB whose cycle bit
// matches ccs, recursing through LINK TRBs, stopping at the first TRB with
// IOC=1 (inclusive) or when the ring is logically empty (§4.7).
func (x *Xhci) walkTransferRingLocked(ep *Endpoint, addr uint64, ccs bool, streamID uint16) (batch []int, nextAddr uint64, nextCcs bool, boundary bool) {
	for {
		t, err := readGuestTrb(x.gm, addr)
		if err != nil {
			x.logf(LogWarn, "transfer ring: %v", err)
			return batch, addr, ccs, len(batch) > 0
		}
		if t.Cycle() != ccs {
			return batch, addr, ccs, len(batch) > 0
		}

		if t.Type() == TrbLink {
			next := t.Pointer()
			if t.Tc() {
				ccs = !ccs
			}
			idx, ok := ep.push(XferBlock{State: XferHandled, TrbGuestAddr: addr, Ccs: ccs, StreamID: streamID, TrbNext: next})
			if ok {
				batch = append(batch, idx)
			}
			addr = next
			continue
		}

		blk := buildXferBlock(t, addr, ccs, streamID)
		idx, ok := ep.push(blk)
		addr += 16
		if !ok {
			x.logf(LogWarn, "transfer ring: xfer queue full, dropping TRB at 0x%x", blk.TrbGuestAddr)
			return batch, addr, ccs, true
		}
		ep.Blocks[idx].TrbNext = addr
		batch = append(batch, idx)
		if t.Ioc() {
			return batch, addr, ccs, true
		}
	}
}

func buildXferBlock(t Trb, addr uint64, ccs bool, streamID uint16) XferBlock {
	blk := XferBlock{TrbGuestAddr: addr, Ccs: ccs, StreamID: streamID, Ioc: t.Ioc(), Isp: t.Isp()}
	switch t.Type() {
	case TrbSetupStage:
		blk.State = XferHandled
		blk.Inline = encodeSetupPacket(t.Parameter)
	case TrbDataStage, TrbNormal, TrbIsoch:
		blk.State = XferPending
		blk.BytesRequested = t.TransferLength()
		if t.Idt() {
			var b [8]byte
			putLeUint64(b[:], t.Parameter)
			blk.Inline = b[:]
		} else {
			blk.GuestAddr = t.Pointer()
		}
	case TrbStatusStage:
		blk.State = XferPending
	case TrbEventData:
		blk.State = XferHandled
		blk.IsEventData = true
		blk.EventPayload = t.Parameter
	case TrbNoopTransfer:
		blk.State = XferHandled
	default:
		blk.State = XferHandled
		blk.Err = BeInval
	}
	return blk
}

func encodeSetupPacket(param uint64) []byte {
	var b [8]byte
	putLeUint64(b[:], param)
	return b[:]
}

func decodeDeviceRequest(raw []byte) DeviceRequest {
	return DeviceRequest{
		BmRequestType: raw[0],
		BRequest:      raw[1],
		WValue:        uint16(raw[2]) | uint16(raw[3])<<8,
		WIndex:        uint16(raw[4]) | uint16(raw[5])<<8,
		WLength:       uint16(raw[6]) | uint16(raw[7])<<8,
	}
}

// push appends a block to the endpoint's bounded xfer queue (Data Model §3:
// "a bounded ring of USB_MAX_XFER_BLOCKS"). Returns false when full.
func (ep *Endpoint) push(blk XferBlock) (int, bool) {
	if ep.Count >= XhciMaxXferBlocks {
		return 0, false
	}
	idx := (ep.Head + ep.Count) % XhciMaxXferBlocks
	ep.Blocks[idx] = blk
	ep.Count++
	return idx, true
}

func (x *Xhci) writeStreamDequeueLocked(arrayAddr uint64, streamID uint16, addr uint64, ccs bool) {
	entryAddr := arrayAddr + uint64(streamID)*16
	v := addr &^ 0xF
	if ccs {
		v |= 1
	}
	var b [8]byte
	putLeUint64(b[:], v)
	if err := writeGuestBytes(x.gm, entryAddr, b[:]); err != nil {
		x.logf(LogWarn, "stream dequeue update: %v", err)
	}
}

// dispatchTransferBatchLocked implements the "Backend dispatch" half of
// §4.7: EP0 (DCI 1) goes to backend.Request; every other endpoint to
// backend.Data with direction derived from DCI parity. The pending data
// blocks in the batch are staged into a single flat buffer the backend
// reads from (OUT) or fills (IN); the guest-memory side of that copy
// happens here, not inside the backend.
func (x *Xhci) dispatchTransferBatchLocked(s *Slot, slotID, epID uint8, ep *Endpoint, batch []int) {
	xfer := &Xfer{SlotID: slotID, EndpointID: epID}
	var pending []*XferBlock
	for _, idx := range batch {
		b := &ep.Blocks[idx]
		xfer.Blocks = append(xfer.Blocks, b)
		if b.State == XferPending {
			pending = append(pending, b)
		}
	}

	dir := XferOut
	if epID%2 == 1 || epID == 1 {
		dir = XferIn
	}
	xfer.Dir = dir

	total := uint32(0)
	for _, b := range pending {
		total += b.BytesRequested
	}
	xfer.Data = make([]byte, total)
	if dir == XferOut {
		x.stageOutDataLocked(pending, xfer.Data)
	}

	var err BackendError
	if epID == 1 {
		for _, b := range xfer.Blocks {
			if b.Inline != nil && len(b.Inline) == 8 && b.State == XferHandled && !b.IsEventData {
				xfer.Request = decodeDeviceRequest(b.Inline)
			}
		}
		if xfer.Request.BmRequestType&0x80 == 0 {
			xfer.Dir = XferOut
		} else {
			xfer.Dir = XferIn
		}
		err = s.Backend.Request(xfer)
	} else {
		err = s.Backend.Data(xfer, dir, epID/2)
	}

	if s.Backend.Kind() != BackendEmulated {
		// Host-passthrough backends complete asynchronously: the dispatched
		// xfer is parked on the endpoint until the backend's read-loop
		// invokes NotifyFunc and onBackendNotify finalizes it (§5 actor 2,
		// §9 "may the transfer handler complete synchronously in-line").
		ep.pendingXfer, ep.pendingBlocks, ep.pendingDir = xfer, pending, dir
		return
	}
	if err == BeCancelledNak {
		return // "not yet" — stays queued for retry (§5 concurrency model)
	}
	x.finalizeTransferLocked(pending, xfer, dir, total, err)
}

// finalizeTransferLocked copies backend output back to guest memory (for
// IN transfers) and apportions the backend's reported completion across the
// pending blocks it covers (§4.7).
func (x *Xhci) finalizeTransferLocked(pending []*XferBlock, xfer *Xfer, dir XferDirection, total uint32, err BackendError) {
	actualLen := xfer.ActualLen
	if dir == XferOut && err == BeNormal && actualLen == 0 {
		actualLen = total // an OUT backend that reports success is assumed to have consumed everything staged
	}
	if dir == XferIn && err == BeNormal {
		x.drainInDataLocked(pending, xfer.Data, actualLen)
	}
	apportionCompletion(pending, err, actualLen)
}

// stageOutDataLocked copies each OUT block's guest (or inline) bytes into
// the flat staging buffer the backend consumes, in ring order.
func (x *Xhci) stageOutDataLocked(pending []*XferBlock, buf []byte) {
	off := uint32(0)
	for _, b := range pending {
		n := b.BytesRequested
		if n == 0 {
			continue
		}
		if b.Inline != nil {
			copy(buf[off:off+n], b.Inline)
		} else if b.GuestAddr != 0 {
			data, err := x.gm.Resolve(b.GuestAddr, int(n))
			if err != nil {
				x.logf(LogWarn, "stage OUT data: %v", err)
			} else {
				copy(buf[off:off+n], data)
			}
		}
		off += n
	}
}

// drainInDataLocked copies the backend's filled buffer back out to each IN
// block's guest address, in ring order, up to actualLen total bytes.
func (x *Xhci) drainInDataLocked(pending []*XferBlock, buf []byte, actualLen uint32) {
	off := uint32(0)
	for _, b := range pending {
		if off >= actualLen || b.GuestAddr == 0 {
			break
		}
		n := b.BytesRequested
		if remaining := actualLen - off; remaining < n {
			n = remaining
		}
		if err := writeGuestBytes(x.gm, b.GuestAddr, buf[off:off+n]); err != nil {
			x.logf(LogWarn, "drain IN data: %v", err)
		}
		off += n
	}
}

// apportionCompletion marks every pending block DONE, splitting actualLen
// across them in ring order so a short transfer lands on the block where
// the backend actually stopped (§4.7 EDTLA/short-packet rules).
func apportionCompletion(pending []*XferBlock, err BackendError, actualLen uint32) {
	remaining := actualLen
	for _, b := range pending {
		b.State = XferDone
		b.Err = err
		n := b.BytesRequested
		if n > remaining {
			n = remaining
		}
		b.BytesDone = n
		remaining -= n
	}
}

// onBackendNotify is the NotifyFunc target for asynchronous backends (§5
// concurrent actor 2): it finalizes whatever xfer the backend parked on
// this endpoint using the CompletionErr/ActualLen it wrote before calling
// notify, then drains completed blocks.
func (x *Xhci) onBackendNotify(slotID, epID uint8) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.slots[slotID]
	if s == nil || int(epID) >= XhciMaxEndpoints || s.Endpoints[epID] == nil {
		return
	}
	ep := s.Endpoints[epID]
	if ep.pendingXfer != nil {
		xfer := ep.pendingXfer
		if xfer.CompletionErr != BeCancelledNak {
			total := uint32(0)
			for _, b := range ep.pendingBlocks {
				total += b.BytesRequested
			}
			x.finalizeTransferLocked(ep.pendingBlocks, xfer, ep.pendingDir, total, xfer.CompletionErr)
			ep.pendingXfer, ep.pendingBlocks = nil, nil
		}
	}
	x.drainCompletionsLocked(slotID, epID, ep)
}

// drainCompletionsLocked implements the "Completion" half of §4.7: walk the
// xfer queue from head forward, draining blocks that have reached HANDLED or
// DONE, writing back cycle bits and emitting Transfer events per IOC/ISP
// rules with accumulated EDTLA. Caller holds x.mu.
func (x *Xhci) drainCompletionsLocked(slotID, epID uint8, ep *Endpoint) {
	for ep.Count > 0 {
		blk := &ep.Blocks[ep.Head]
		if blk.State == XferPending {
			return // head not yet complete; preserve order
		}

		if err := writeGuestTrbCycle(x.gm, blk.TrbGuestAddr, blk.Ccs); err != nil {
			x.logf(LogWarn, "drain: write back cycle bit: %v", err)
		}

		if blk.IsEventData {
			edtla := x.drainEdtla(ep)
			x.enqueueTransferEventLocked(blk.EventPayload, slotID, epID, CcSuccess, 0, true, edtla)
		} else {
			x.accumulateEdtla(ep, blk.BytesDone)
			residual := blk.BytesRequested - blk.BytesDone
			cc := CompletionCodeFor(blk.Err)
			shortPacket := blk.BytesDone < blk.BytesRequested
			if (blk.Err == BeNormal || blk.Err == BeShortXfer) && shortPacket && blk.BytesRequested > 0 {
				cc = CcShortPacket
			}
			if blk.Ioc || (shortPacket && blk.Isp) {
				x.enqueueTransferEventLocked(blk.TrbGuestAddr, slotID, epID, cc, residual, false, 0)
			}
			if blk.Err == BeStalled {
				ep.State = EpHalted
			}
		}

		ep.Head = (ep.Head + 1) % XhciMaxXferBlocks
		ep.Count--

		if x.eventRingFullLocked() {
			return // guest will retry once it advances ERDP (§4.7 Retry loop)
		}
	}
}

func (x *Xhci) accumulateEdtla(ep *Endpoint, bytesDone uint32) {
	ep.EdtlaAccum += bytesDone
}

func (x *Xhci) drainEdtla(ep *Endpoint) uint32 {
	v := ep.EdtlaAccum
	ep.EdtlaAccum = 0
	return v
}

// flushStoppedEndpointLocked implements the redesigned Stop Endpoint
// behavior (§4.5, §9): every block at Head..Head+Count that had not yet
// completed gets a STOPPED Transfer Event instead of being left to drain
// normally, and the queue (including any backend dispatch still in flight)
// is cleared so a following Set TR Dequeue starts from an empty ring.
func (x *Xhci) flushStoppedEndpointLocked(slotID, epID uint8, ep *Endpoint) {
	for i := 0; i < ep.Count; i++ {
		idx := (ep.Head + i) % XhciMaxXferBlocks
		blk := &ep.Blocks[idx]
		if blk.State != XferPending {
			continue // already handled/done; drainCompletionsLocked reports it normally
		}
		x.enqueueTransferEventLocked(blk.TrbGuestAddr, slotID, epID, CcStopped, blk.BytesRequested, false, 0)
	}
	ep.Head, ep.Count = 0, 0
	ep.pendingXfer, ep.pendingBlocks = nil, nil
}

func (x *Xhci) eventRingFullLocked() bool {
	return x.rt.segSize > 0 && x.rt.eventsCnt >= x.rt.segSize
}
