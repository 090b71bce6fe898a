// core_engine/devices/xhci_cmdring.go
package devices

// ringCommandDoorbellLocked implements §4.5: walk TRBs from cr_p while their
// cycle bit matches ccs, dispatching each and posting a Command Completion
// event, then advancing. LINK toggles ccs when TC is set. CRCR.CRR is set
// for the duration of the walk. Caller holds x.mu.
func (x *Xhci) ringCommandDoorbellLocked() error {
	if x.crRunning {
		return nil // already processing; a second doorbell write is a no-op
	}
	x.crRunning = true
	defer func() { x.crRunning = false }()

	for {
		t, err := readGuestTrb(x.gm, x.crPtr)
		if err != nil {
			x.logf(LogWarn, "command ring: %v", err)
			return err
		}
		if t.Cycle() != x.crCcs {
			return nil // ring empty from the consumer's point of view
		}

		trbAddr := x.crPtr
		if t.Type() == TrbLink {
			x.crPtr = t.Pointer()
			if t.Tc() {
				x.crCcs = !x.crCcs
			}
			continue
		}

		slotID, cc := x.dispatchCommandLocked(t)
		x.enqueueCommandCompletionLocked(trbAddr, slotID, cc)
		x.crPtr += 16
	}
}

// dispatchCommandLocked implements the per-type bodies of §4.5. Caller holds
// x.mu. Returns the resolved slot id (0 when none applies) and completion
// code for the Command Completion event.
func (x *Xhci) dispatchCommandLocked(t Trb) (uint8, uint32) {
	switch t.Type() {
	case TrbDisableSlot, TrbAddressDevice, TrbConfigureEp, TrbEvaluateCtx,
		TrbResetEp, TrbStopEp, TrbSetTrDequeue, TrbResetDevice:
		if int(t.SlotID()) > XhciMaxSlots {
			return t.SlotID(), CcSlotNotEnabledError
		}
	}

	switch t.Type() {
	case TrbEnableSlot:
		slotID, err := x.allocateSlotLocked()
		if err != nil {
			return 0, CcNoSlotsAvailable
		}
		return slotID, CcSuccess

	case TrbDisableSlot:
		return x.cmdDisableSlotLocked(t.SlotID())

	case TrbAddressDevice:
		return x.cmdAddressDeviceLocked(t)

	case TrbConfigureEp:
		return x.cmdConfigureEndpointLocked(t)

	case TrbEvaluateCtx:
		return x.cmdEvaluateContextLocked(t)

	case TrbResetEp:
		return x.cmdResetEndpointLocked(t)

	case TrbStopEp:
		return x.cmdStopEndpointLocked(t)

	case TrbSetTrDequeue:
		return x.cmdSetTrDequeueLocked(t)

	case TrbResetDevice:
		return x.cmdResetDeviceLocked(t.SlotID())

	case TrbForceEvent, TrbNegotiateBw, TrbSetLatencyTol, TrbGetPortBw, TrbForceHeader, TrbNoopCommand:
		return t.SlotID(), CcSuccess

	default:
		return t.SlotID(), CcTrbError
	}
}

func (x *Xhci) cmdDisableSlotLocked(slotID uint8) (uint8, uint32) {
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	vport := s.RootPort
	if vport >= 1 && vport <= XhciMaxPorts {
		portsc := &x.ports[vport].Portsc
		*portsc &^= PortscCsc | PortscCcs | PortscPed | PortscPp
		if x.nativePorts[vport].State == PortEmulated {
			x.nativePorts[vport].State = PortAssigned
		}
		x.signalVbdpEndLocked(vport)
	}
	x.destroySlotLocked(slotID)
	return slotID, CcSuccess
}

// cmdAddressDeviceLocked implements §4.5 Address Device and §8 scenario S3.
func (x *Xhci) cmdAddressDeviceLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}

	inputCtx := t.Pointer()
	icc, err := readInputControlContext(x.gm, inputCtx)
	if err != nil {
		x.logf(LogWarn, "address device: %v", err)
		return slotID, CcTrbError
	}
	if icc.DropFlags != 0 || icc.AddFlags&3 != 3 {
		return slotID, CcParameterError
	}

	inSlot, err := readSlotContextFields(x.gm, inputContextSlotAddr(inputCtx))
	if err != nil {
		return slotID, CcTrbError
	}
	rootPort := inSlot.RootHubPort
	if rootPort < 1 || rootPort > XhciMaxPorts || x.nativePorts[rootPort].State != PortConnected {
		return slotID, CcContextStateError
	}

	backend := x.nativePorts[rootPort].DevInfo.Backend
	if backend == nil {
		return slotID, CcParameterError
	}
	notify := func(epID uint8) { x.onBackendNotify(slotID, epID) }
	if err := backend.Init(func(_, ep uint8) { notify(ep) }); err != nil {
		x.logf(LogWarn, "slot %d: backend init: %v", slotID, err)
		return slotID, CcResourceError
	}

	devCtxPtr, err := readGuestUint64(x.gm, x.dcbaap+uint64(slotID)*8)
	if err != nil {
		return slotID, CcTrbError
	}

	inEp0, err := readEpContextFields(x.gm, inputContextEpAddr(inputCtx, 1))
	if err != nil {
		return slotID, CcTrbError
	}

	s.Backend = backend
	s.DevCtxAddr = devCtxPtr
	s.State = SlotAddressed
	s.Address = slotID
	s.RootPort = rootPort
	s.RouteString = inSlot.RouteString
	s.Speed = inSlot.Speed
	s.Endpoints[1] = newEndpoint(inEp0.EpType, inEp0.MaxPacket, inEp0.RingDeqAddr, inEp0.Dcs)

	outSlot := slotContextFields{
		RouteString:    inSlot.RouteString,
		Speed:          inSlot.Speed,
		MaxExitLatency: inSlot.MaxExitLatency,
		RootHubPort:    rootPort,
		IntrTarget:     inSlot.IntrTarget,
		SlotState:      SlotAddressed,
		Address:        slotID,
	}
	if err := writeSlotContextLocked(x.gm, deviceContextSlotAddr(devCtxPtr), outSlot); err != nil {
		return slotID, CcTrbError
	}
	if err := writeEpContextLocked(x.gm, deviceContextEpAddr(devCtxPtr, 1), inEp0); err != nil {
		return slotID, CcTrbError
	}
	x.nativePorts[rootPort].State = PortEmulated
	return slotID, CcSuccess
}

// cmdConfigureEndpointLocked implements §4.5 Configure Endpoint.
func (x *Xhci) cmdConfigureEndpointLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}

	if t.Control&(1<<9) != 0 { // DCEP: deconfigure
		for i := 2; i < XhciMaxEndpoints; i++ {
			if s.Endpoints[i] != nil {
				s.Endpoints[i].State = EpDisabled
				s.Endpoints[i] = nil
			}
		}
		s.State = SlotAddressed
		return slotID, CcSuccess
	}

	if s.State < SlotAddressed {
		return slotID, CcContextStateError
	}

	inputCtx := t.Pointer()
	icc, err := readInputControlContext(x.gm, inputCtx)
	if err != nil {
		return slotID, CcTrbError
	}
	for dci := uint8(2); dci < XhciMaxEndpoints; dci++ {
		if icc.DropFlags&(1<<dci) != 0 && s.Endpoints[dci] != nil {
			s.Endpoints[dci].State = EpDisabled
			s.Endpoints[dci] = nil
		}
	}
	for dci := uint8(2); dci < XhciMaxEndpoints; dci++ {
		if icc.AddFlags&(1<<dci) == 0 {
			continue
		}
		inEp, err := readEpContextFields(x.gm, inputContextEpAddr(inputCtx, dci))
		if err != nil {
			return slotID, CcTrbError
		}
		if err := writeEpContextLocked(x.gm, deviceContextEpAddr(s.DevCtxAddr, dci), inEp); err != nil {
			return slotID, CcTrbError
		}
		s.Endpoints[dci] = newEndpoint(inEp.EpType, inEp.MaxPacket, inEp.RingDeqAddr, inEp.Dcs)
	}
	s.State = SlotConfigured
	return slotID, CcSuccess
}

// cmdEvaluateContextLocked implements §4.5 Evaluate Context.
func (x *Xhci) cmdEvaluateContextLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	inputCtx := t.Pointer()
	icc, err := readInputControlContext(x.gm, inputCtx)
	if err != nil {
		return slotID, CcTrbError
	}
	if icc.DropFlags != 0 || icc.AddFlags&3 == 0 {
		return slotID, CcParameterError
	}

	if icc.AddFlags&1 != 0 { // slot context bit
		inSlot, err := readSlotContextFields(x.gm, inputContextSlotAddr(inputCtx))
		if err != nil {
			return slotID, CcTrbError
		}
		outSlot, err := readSlotContextFields(x.gm, deviceContextSlotAddr(s.DevCtxAddr))
		if err != nil {
			return slotID, CcTrbError
		}
		outSlot.MaxExitLatency = inSlot.MaxExitLatency
		outSlot.IntrTarget = inSlot.IntrTarget
		if err := writeSlotContextLocked(x.gm, deviceContextSlotAddr(s.DevCtxAddr), outSlot); err != nil {
			return slotID, CcTrbError
		}
	}
	if icc.AddFlags&2 != 0 { // EP0 context bit
		inEp, err := readEpContextFields(x.gm, inputContextEpAddr(inputCtx, 1))
		if err != nil {
			return slotID, CcTrbError
		}
		outEp, err := readEpContextFields(x.gm, deviceContextEpAddr(s.DevCtxAddr, 1))
		if err != nil {
			return slotID, CcTrbError
		}
		outEp.MaxPacket = inEp.MaxPacket
		if err := writeEpContextLocked(x.gm, deviceContextEpAddr(s.DevCtxAddr, 1), outEp); err != nil {
			return slotID, CcTrbError
		}
		if s.Endpoints[1] != nil {
			s.Endpoints[1].MaxPacket = inEp.MaxPacket
		}
	}
	return slotID, CcSuccess
}

func (x *Xhci) cmdResetEndpointLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	ep := s.Endpoints[t.EndpointID()]
	if ep == nil || ep.State != EpHalted {
		return slotID, CcContextStateError
	}
	ep.State = EpStopped
	ep.Head, ep.Count = 0, 0
	return slotID, CcSuccess
}

// cmdStopEndpointLocked implements the redesigned §4.5/§9 Stop Endpoint: the
// pending xfer queue is flushed and every block still outstanding gets a
// STOPPED Transfer Event, rather than being left silently queued.
func (x *Xhci) cmdStopEndpointLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	epID := t.EndpointID()
	ep := s.Endpoints[epID]
	if ep == nil {
		return slotID, CcSlotNotEnabledError
	}
	x.flushStoppedEndpointLocked(slotID, epID, ep)
	ep.State = EpStopped
	return slotID, CcSuccess
}

func (x *Xhci) cmdSetTrDequeueLocked(t Trb) (uint8, uint32) {
	slotID := t.SlotID()
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	ep := s.Endpoints[t.EndpointID()]
	if ep == nil || (ep.State != EpStopped && ep.State != EpError) {
		return slotID, CcContextStateError
	}
	ptr := t.Pointer()
	ep.RingDeqAddr = ptr
	ep.Ccs = t.Parameter&1 != 0
	if sid := t.StreamID(); sid != 0 && ep.StreamCtxArrayAddr != 0 {
		entryAddr := ep.StreamCtxArrayAddr + uint64(sid)*16
		if err := writeGuestBytes(x.gm, entryAddr, func() []byte {
			var b [8]byte
			v := ptr &^ 0xF
			if ep.Ccs {
				v |= 1
			}
			putLeUint64(b[:], v)
			return b[:]
		}()); err != nil {
			x.logf(LogWarn, "set tr dequeue: stream context write: %v", err)
		}
	}
	return slotID, CcSuccess
}

func (x *Xhci) cmdResetDeviceLocked(slotID uint8) (uint8, uint32) {
	s := x.slots[slotID]
	if s == nil {
		return slotID, CcSlotNotEnabledError
	}
	for i := 2; i < XhciMaxEndpoints; i++ {
		s.Endpoints[i] = nil
	}
	s.State = SlotDefault
	s.Address = 0
	if err := writeSlotContextLocked(x.gm, deviceContextSlotAddr(s.DevCtxAddr), slotContextFields{
		RouteString: s.RouteString,
		Speed:       s.Speed,
		RootHubPort: s.RootPort,
		SlotState:   SlotDefault,
		Address:     0,
	}); err != nil {
		x.logf(LogWarn, "reset device: %v", err)
		return slotID, CcTrbError
	}
	return slotID, CcSuccess
}
