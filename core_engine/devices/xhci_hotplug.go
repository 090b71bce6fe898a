// core_engine/devices/xhci_hotplug.go
package devices

import "time"

// Connect implements §4.3 "On connect". Called by the host discovery layer
// (the backend's hot-plug thread, §5 concurrent actor 3).
func (x *Xhci) Connect(info DeviceInfo) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if vport, ok := x.vbdpStartMatchLocked(info.Path); ok {
		x.logf(LogDebug, "connect for %s deferred: matches VBDP START on port %d", info.Path, vport)
		return nil
	}

	vport, ok := x.pathToPort(info.Path)
	if !ok {
		var err error
		vport, err = x.allocatePort(info)
		if err != nil {
			return err
		}
	}
	x.nativePorts[vport].DevInfo = info
	x.nativePorts[vport].State = PortConnected

	if info.IsHub {
		if err := x.assignHubChildren(info); err != nil {
			x.logf(LogWarn, "hub %s: %v", info.Path, err)
		}
	}

	portsc := &x.ports[vport].Portsc
	*portsc = (*portsc &^ (PortscPlsMask | PortscSpeedMask)) | PortscCcs | PortscCsc | PortscPp |
		(speedEncoding(info.Speed) << PortscSpeedShift) | (PlsU0 << PortscPlsShift)
	x.enqueuePortStatusChangeLocked(vport)
	return nil
}

func speedEncoding(speed uint32) uint32 {
	if speed == 0 {
		return SpeedHigh
	}
	return speed
}

// vbdpStartMatchLocked implements the "cache the event and defer" branch of
// §4.3: if the path matches a VBDP.START record, the connect is not applied
// to PORTSC; the poller will replay it once the record reaches END.
func (x *Xhci) vbdpStartMatchLocked(path string) (uint8, bool) {
	for i := range x.vbdp {
		if x.vbdp[i].DevPath == path && x.vbdp[i].State == VbdpStart {
			return x.vbdp[i].VirtualPort, true
		}
	}
	return 0, false
}

// Disconnect implements §4.3 "On disconnect".
func (x *Xhci) Disconnect(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.vbdpStartMatchLocked(path); ok {
		return nil // in-progress VBDP START: no-op
	}

	vport, ok := x.pathToPort(path)
	if !ok {
		return nil
	}

	switch x.nativePorts[vport].State {
	case PortConnected:
		x.nativePorts[vport].State = PortAssigned
		x.emitDisconnectLocked(vport)
	case PortEmulated:
		x.emitDisconnectLocked(vport)
		// Slot/endpoint resources are freed by Disable Slot, not here.
	}
	return nil
}

func (x *Xhci) emitDisconnectLocked(vport uint8) {
	portsc := &x.ports[vport].Portsc
	*portsc = (*portsc &^ (PortscCcs | PortscPed | PortscPlsMask)) | PortscCsc | (PlsRxDet << PortscPlsShift)
	x.enqueuePortStatusChangeLocked(vport)
}

// signalVbdpEndLocked marks a port's VBDP record END (called from Disable Slot,
// §4.5) and wakes the poller.
func (x *Xhci) signalVbdpEndLocked(vport uint8) {
	for i := range x.vbdp {
		if x.vbdp[i].VirtualPort == vport && x.vbdp[i].State == VbdpStart {
			x.vbdp[i].State = VbdpEnd
			select {
			case x.vbdpSem <- struct{}{}:
			default:
			}
			return
		}
	}
}

// vbdpPollerLoop is the single cooperative task from §4.3/§9: "loops on a
// counting semaphore, drains VBDP records in state END and emits deferred
// connect events." Modeled as a goroutine with a stop/done channel pair,
// the same lifecycle idiom the legacy NIC model used for its receive loop.
func (x *Xhci) vbdpPollerLoop() {
	defer close(x.vbdpDone)
	for {
		select {
		case <-x.vbdpStop:
			x.drainVbdpEnds()
			return
		case <-x.vbdpSem:
			x.drainVbdpEnds()
		case <-time.After(250 * time.Millisecond):
			// Periodic wake-up in case a post raced a stop; harmless no-op
			// when there is nothing to drain.
		}
	}
}

func (x *Xhci) drainVbdpEnds() {
	x.mu.Lock()
	defer x.mu.Unlock()
	kept := x.vbdp[:0]
	for _, r := range x.vbdp {
		if r.State == VbdpEnd {
			// saveStateLocked left DevInfo (backend, speed, bcdUSB, ...)
			// untouched on this port; only its State moved to PortAssigned.
			// Replaying the connect must reuse that DevInfo rather than
			// rebuild a bare one from the path, or Address Device loses the
			// backend reference and every post-resume re-enumeration fails.
			x.nativePorts[r.VirtualPort].State = PortConnected
			portsc := &x.ports[r.VirtualPort].Portsc
			*portsc = (*portsc &^ PortscPlsMask) | PortscCcs | PortscCsc | PortscPp | (PlsU0 << PortscPlsShift)
			x.enqueuePortStatusChangeLocked(r.VirtualPort)
			continue
		}
		kept = append(kept, r)
	}
	x.vbdp = kept
}
