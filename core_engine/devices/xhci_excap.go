// core_engine/devices/xhci_excap.go
package devices

import "fmt"

// excapWindow is one non-overlapping [start, end) byte-backed window of the
// extended capability array (§4.8). writeHandler, when set, intercepts
// writes instead of storing them directly into data.
type excapWindow struct {
	start, end   uint32 // offsets relative to XhciExcapOff
	data         []byte
	writeHandler func(x *Xhci, relOffset uint32, value uint32) error
}

// excapLayout is the linear array of extended capability windows exposed at
// EXCAPOFF..REGSEND (§4.8, §6).
type excapLayout struct {
	windows []excapWindow
}

// newExcapLayout builds the default two-protocol-capability array, plus the
// APL DRD vendor capability when apl is set (§6 "EXCAPOFF..REGSEND").
func newExcapLayout(apl bool) *excapLayout {
	l := &excapLayout{}
	usb2Next := uint32(0)
	if apl {
		usb2Next = (ExcapUsb3ProtoOff - ExcapUsb2ProtoOff) / 4
	}
	l.windows = append(l.windows,
		excapWindow{
			start: ExcapUsb2ProtoOff,
			end:   ExcapUsb2ProtoOff + 0x10,
			data:  protocolCapabilityBytes(2, 0, usb2Next, XhciUsb2PortLo, XhciUsb2PortHi-XhciUsb2PortLo+1),
		},
		excapWindow{
			start: ExcapUsb3ProtoOff,
			end:   ExcapUsb3ProtoOff + 0x10,
			data:  protocolCapabilityBytes(3, 0, 0, XhciUsb3PortLo, XhciUsb3PortHi-XhciUsb3PortLo+1),
		},
	)
	if apl {
		l.windows = append(l.windows, excapWindow{
			start:        ExcapDrdOff,
			end:          ExcapDrdEnd,
			data:         make([]byte, ExcapDrdEnd-ExcapDrdOff),
			writeHandler: drdWriteHandlerLocked,
		})
	}
	return l
}

// protocolCapabilityBytes encodes a minimal xHCI Supported Protocol
// Capability record: CapID=2 | next-cap dword offset, "USB " name string,
// compatible port range, and a single default protocol slot type.
func protocolCapabilityBytes(major, minor uint8, nextOff uint32, portOffset, portCount int) []byte {
	b := make([]byte, 16)
	putLeUint32(b[0:4], 2|(nextOff<<8)|(uint32(minor)<<16)|(uint32(major)<<24))
	copy(b[4:8], []byte("USB "))
	putLeUint32(b[8:12], uint32(portOffset)|(uint32(portCount)<<8))
	putLeUint32(b[12:16], 0)
	return b
}

func (l *excapLayout) find(rel uint32) *excapWindow {
	for i := range l.windows {
		if rel >= l.windows[i].start && rel < l.windows[i].end {
			return &l.windows[i]
		}
	}
	return nil
}

// readExcapLocked implements the read half of §4.8: "reads dword-align and
// copy out." Caller holds x.mu.
func (x *Xhci) readExcapLocked(offset uint32) uint32 {
	rel := (offset - XhciExcapOff) &^ 0x3
	w := x.excap.find(rel)
	if w == nil {
		return 0
	}
	i := rel - w.start
	if int(i)+4 > len(w.data) {
		return 0
	}
	return leUint32(w.data[i : i+4])
}

// writeExcapLocked implements the write half of §4.8: writes dispatch to an
// optional per-window handler; otherwise they store directly. Caller holds
// x.mu.
func (x *Xhci) writeExcapLocked(offset uint32, value uint32) error {
	rel := (offset - XhciExcapOff) &^ 0x3
	w := x.excap.find(rel)
	if w == nil {
		x.logf(LogWarn, "write to unmapped extended capability offset 0x%x ignored", offset)
		return nil
	}
	relInWindow := rel - w.start
	if w.writeHandler != nil {
		return w.writeHandler(x, relInWindow, value)
	}
	if int(relInWindow)+4 > len(w.data) {
		return fmt.Errorf("xhci: excap write at 0x%x out of window bounds", offset)
	}
	putLeUint32(w.data[relInWindow:relInWindow+4], value)
	return nil
}

// drdWriteHandlerLocked implements §4.8's "only defined handler": writing
// DRDCFG0 with IDPIN_EN=1 opens the host DRD sysfs path and writes "host" or
// "device" per IDPIN; DRDCFG1 is only updated if the write succeeded.
func drdWriteHandlerLocked(x *Xhci, relOffset uint32, value uint32) error {
	w := x.excap.find(ExcapDrdOff)
	if w == nil {
		return fmt.Errorf("xhci: DRD window missing")
	}
	if int(relOffset)+4 > len(w.data) {
		return fmt.Errorf("xhci: DRD write at offset 0x%x out of window bounds", relOffset)
	}
	putLeUint32(w.data[relOffset:relOffset+4], value)

	if relOffset != RegDrdCfg0 || value&DrdCfg0IdpinEn == 0 {
		return nil
	}
	mode := "device"
	if value&DrdCfg0Idpin != 0 {
		mode = "host"
	}
	if x.drd == nil {
		x.logf(LogWarn, "DRD switch requested %q but no sysfs sink is configured", mode)
		return nil
	}
	if _, err := x.drd.Write([]byte(mode)); err != nil {
		x.logf(LogWarn, "DRD switch write failed: %v", err)
		return nil
	}
	cfg1 := w.data[RegDrdCfg1 : RegDrdCfg1+4]
	putLeUint32(cfg1, value)
	return nil
}
