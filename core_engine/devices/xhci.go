// core_engine/devices/xhci.go
package devices

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// PortRegs is the four-word per-port register set (Data Model §3).
type PortRegs struct {
	Portsc    uint32
	Portpmsc  uint32
	Portli    uint32
	Porthlpmc uint32
}

// NativePort tracks a host-visible port slot (Data Model §3, §4.2).
type NativePort struct {
	DevInfo     DeviceInfo
	VirtualPort uint8
	State       PortState
}

// VbdpRecord is the S3 suspend/resume bookkeeping entry (Data Model §3, §4.3).
type VbdpRecord struct {
	DevPath     string
	VirtualPort uint8
	State       VbdpState
}

// Interrupter is a single interrupter register set plus event-ring producer
// state (Data Model §3 "Event ring"). Only one interrupter is implemented.
type Interrupter struct {
	Iman   uint32
	Imod   uint32
	Erstsz uint32
	Erstba uint64
	Erdp   uint64

	segBase   uint64 // erst_p: resolved guest address of segment 0's TRB ring
	segSize   uint32 // entries in segment 0 (the only segment supported)
	enqIdx    uint32
	eventsCnt uint32
	pcs       bool
}

// Xhci is the top-level xHCI controller emulator (Data Model §3).
type Xhci struct {
	mu sync.Mutex

	gm       GuestMemory
	intr     InterruptSink
	drd      io.Writer // DRD sysfs sink (§1 out-of-scope collaborator); nil disables the switch
	logLevel LogLevel
	useApl   bool

	startTime time.Time

	// Operational register shadow.
	usbCmd uint32
	usbSts uint32
	dnCtrl uint32
	dcbaap uint64
	config uint32

	crPtr     uint64
	crCcs     bool
	crRunning bool

	ports       [XhciMaxPorts + 1]PortRegs
	nativePorts [XhciMaxPorts + 1]NativePort
	vbdp        []VbdpRecord

	slots [XhciMaxSlots + 1]*Slot

	rt Interrupter

	excap *excapLayout

	vbdpSem  chan struct{}
	vbdpStop chan struct{}
	vbdpDone chan struct{}

	tabletEnabled bool
}

// The process-wide single-instance guard (§9 design notes) is xhciLocked,
// protected by xhciGuardMu and managed by acquireSingleInstance and
// releaseSingleInstance. xhciInUse is not referenced by the guard.
var xhciInUse sync.Mutex
var xhciLocked bool
var xhciGuardMu sync.Mutex

func acquireSingleInstance() error {
	xhciGuardMu.Lock()
	defer xhciGuardMu.Unlock()
	if xhciLocked {
		return fmt.Errorf("xhci: a controller instance is already active in this process")
	}
	xhciLocked = true
	return nil
}

func releaseSingleInstance() {
	xhciGuardMu.Lock()
	defer xhciGuardMu.Unlock()
	xhciLocked = false
}

// Options is the parsed form of the configuration string (§6): "bus-port
// elements declare host ports to assign; tablet attaches the internal
// tablet emulator; log=<level> sets log level; cap=apl selects the APL
// excap layout."
type Options struct {
	BusPorts []string
	Tablet   bool
	LogLevel LogLevel
	Apl      bool
}

// ParseOptions parses the sole CLI surface this core consumes. Separators
// are ',' or ':' per §6.
func ParseOptions(s string) (Options, error) {
	var opt Options
	if s == "" {
		return opt, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ':' })
	for _, f := range fields {
		switch {
		case f == "tablet":
			opt.Tablet = true
		case f == "cap=apl":
			opt.Apl = true
		case strings.HasPrefix(f, "log="):
			opt.LogLevel = ParseLogLevel(strings.TrimPrefix(f, "log="))
		case strings.Contains(f, "-"):
			opt.BusPorts = append(opt.BusPorts, f)
		default:
			return opt, fmt.Errorf("xhci: unrecognized configuration token %q", f)
		}
	}
	return opt, nil
}

// NewXhci constructs a controller bound to the given guest-memory capability,
// interrupt sink, and DRD sysfs sink (all out-of-scope collaborators per §1)
// and the parsed configuration (§6). drd may be nil, in which case DRD
// switch writes are logged and ignored. It starts the VBDP poller (§4.3) and
// acquires the process-wide single-instance guard (§9).
func NewXhci(gm GuestMemory, intr InterruptSink, drd io.Writer, opt Options) (*Xhci, error) {
	if gm == nil {
		return nil, fmt.Errorf("xhci: GuestMemory must not be nil")
	}
	if intr == nil {
		return nil, fmt.Errorf("xhci: InterruptSink must not be nil")
	}
	if err := acquireSingleInstance(); err != nil {
		return nil, err
	}
	x := &Xhci{
		gm:            gm,
		intr:          intr,
		drd:           drd,
		logLevel:      opt.LogLevel,
		useApl:        opt.Apl,
		startTime:     time.Now(),
		tabletEnabled: opt.Tablet,
		vbdpSem:       make(chan struct{}, XhciMaxPorts),
		vbdpStop:      make(chan struct{}),
		vbdpDone:      make(chan struct{}),
	}
	x.excap = newExcapLayout(opt.Apl)
	x.resetLocked(true)

	for _, bp := range opt.BusPorts {
		if err := x.assignBusPort(bp); err != nil {
			x.logf(LogWarn, "ignoring malformed bus-port token %q: %v", bp, err)
		}
	}

	go x.vbdpPollerLoop()
	x.logf(LogInfo, "controller initialized (apl=%v tablet=%v)", opt.Apl, opt.Tablet)
	return x, nil
}

func (x *Xhci) assignBusPort(token string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	idx, err := x.allocatePort(DeviceInfo{Path: token, BcdUSB: 0x0300})
	if err != nil {
		return err
	}
	x.nativePorts[idx].State = PortAssigned
	return nil
}

// Deinit stops the VBDP poller, tears down every slot's backend, and
// releases the process-wide single-instance guard. Idempotent.
func (x *Xhci) Deinit() {
	select {
	case <-x.vbdpDone:
		// already stopped
	default:
		close(x.vbdpStop)
		<-x.vbdpDone
	}
	x.mu.Lock()
	for i := range x.slots {
		if x.slots[i] != nil {
			x.destroySlotLocked(uint8(i))
		}
	}
	x.mu.Unlock()
	releaseSingleInstance()
	x.logf(LogInfo, "controller deinitialized")
}

func (x *Xhci) logf(level LogLevel, format string, args ...interface{}) {
	if level > x.logLevel && level != LogError {
		return
	}
	log.Printf("xhci: "+format, args...)
}

// Reset performs the HCRST behavior described in §4.1 USBCMD writes.
func (x *Xhci) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.resetLocked(false)
}

func (x *Xhci) resetLocked(full bool) {
	x.usbCmd = 0
	x.usbSts = UsbStsHcHalted
	x.rt = Interrupter{pcs: true}
	for i := range x.slots {
		if x.slots[i] != nil {
			x.destroySlotLocked(uint8(i))
		}
	}
	if full {
		for i := 1; i <= XhciMaxPorts; i++ {
			x.ports[i] = PortRegs{Portsc: PlsRxDet << PortscPlsShift}
			state := PortFree
			if x.nativePorts[i].State != PortFree {
				state = PortAssigned
			}
			x.nativePorts[i] = NativePort{State: state}
		}
		x.vbdp = nil
	} else {
		for i := 1; i <= XhciMaxPorts; i++ {
			x.ports[i].Portsc = (x.ports[i].Portsc &^ (PortscPed | PortscPlsMask)) | (PlsRxDet << PortscPlsShift)
		}
	}
}
