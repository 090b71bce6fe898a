// core_engine/devices/xhci_trb.go
package devices

// Trb is the 16-byte Transfer Request Block shared by command, transfer, and
// event rings: (qwTrb0 u64, dwTrb2 u32, dwTrb3 u32), little-endian on the
// guest side (§6).
type Trb struct {
	Parameter uint64 // qwTrb0
	Status    uint32 // dwTrb2
	Control   uint32 // dwTrb3
}

func (t Trb) Cycle() bool { return t.Control&1 != 0 }

func (t Trb) Type() uint32 { return (t.Control >> 10) & 0x3F }

func (t Trb) SlotID() uint8 { return uint8(t.Control >> 24) }

func (t Trb) EndpointID() uint8 { return uint8((t.Control >> 16) & 0x1F) }

func (t Trb) Ioc() bool { return t.Control&(1<<5) != 0 }

func (t Trb) Idt() bool { return t.Control&(1<<6) != 0 }

func (t Trb) Tc() bool { return t.Control&(1<<1) != 0 }

func (t Trb) Isp() bool { return t.Control&(1<<2) != 0 }

func (t Trb) TransferLength() uint32 { return t.Status & 0x1FFFF }

func (t Trb) StreamID() uint16 { return uint16(t.Status >> 16) }

func (t Trb) CompletionCode() uint32 { return (t.Status >> 24) & 0xFF }

func (t Trb) Pointer() uint64 { return t.Parameter &^ 0xF }

func makeTrbControl(trbType uint32, cycle bool) uint32 {
	c := (trbType & 0x3F) << 10
	if cycle {
		c |= 1
	}
	return c
}

// DecodeTrb unmarshals 16 little-endian bytes into a Trb.
func DecodeTrb(b []byte) Trb {
	_ = b[15]
	return Trb{
		Parameter: leUint64(b[0:8]),
		Status:    leUint32(b[8:12]),
		Control:   leUint32(b[12:16]),
	}
}

// EncodeTrb marshals a Trb into 16 little-endian bytes.
func EncodeTrb(t Trb) [16]byte {
	var b [16]byte
	putLeUint64(b[0:8], t.Parameter)
	putLeUint32(b[8:12], t.Status)
	putLeUint32(b[12:16], t.Control)
	return b
}

func leUint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	_ = b[7]
	lo := leUint32(b[0:4])
	hi := leUint32(b[4:8])
	return uint64(lo) | uint64(hi)<<32
}

func putLeUint32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLeUint64(b []byte, v uint64) {
	_ = b[7]
	putLeUint32(b[0:4], uint32(v))
	putLeUint32(b[4:8], uint32(v>>32))
}

// newEventTrb builds an event-ring TRB: the caller supplies the
// type-specific payload bits in control (slot id, endpoint id, ED flag, ...)
// excluding the type and cycle fields, which are set here by the producer
// (§4.4).
func newEventTrb(trbType uint32, parameter uint64, status uint32, control uint32, cycle bool) Trb {
	ctl := (control &^ (0x3F << 10)) &^ 1
	ctl |= (trbType & 0x3F) << 10
	if cycle {
		ctl |= 1
	}
	return Trb{Parameter: parameter, Status: status, Control: ctl}
}
