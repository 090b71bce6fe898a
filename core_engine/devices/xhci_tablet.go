// core_engine/devices/xhci_tablet.go
package devices

import "sync"

const (
	reqGetDescriptor   = 0x06
	reqSetConfiguration = 0x09
	reqSetIdle          = 0x0A

	descDevice       = 0x01
	descConfiguration = 0x02
	descHidReport     = 0x22
)

var tabletDeviceDescriptor = []byte{
	0x12, descDevice, 0x10, 0x01, // bLength, bDescriptorType, bcdUSB=1.10
	0x00, 0x00, 0x00, 0x08, // class/subclass/protocol (per-interface), maxPacket0
	0x27, 0x06, 0x01, 0x00, // idVendor/idProduct (placeholder tablet ids)
	0x00, 0x01, 0x00, 0x00, // bcdDevice, iManufacturer, iProduct
	0x00, 0x01, // iSerialNumber, bNumConfigurations
}

var tabletConfigDescriptor = []byte{
	// Configuration descriptor
	0x09, descConfiguration, 0x22, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
	// Interface descriptor: HID class
	0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x00, 0x00, 0x00,
	// HID descriptor
	0x09, 0x21, 0x11, 0x01, 0x00, 0x01, descHidReport, 0x33, 0x00,
	// Endpoint descriptor: interrupt IN, endpoint 1
	0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0A,
}

// tabletReportDescriptor is a fixed absolute-pointer (digitizer) HID report
// descriptor: a 5-byte report of (buttons byte, 16-bit x, 16-bit y) with x
// and y in 0..0x7FFF.
var tabletReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, 0x09, 0x01, 0xA1, 0x00,
	0x05, 0x09, 0x19, 0x01, 0x29, 0x01, 0x15, 0x00, 0x25, 0x01,
	0x95, 0x01, 0x75, 0x01, 0x81, 0x02, 0x95, 0x01, 0x75, 0x07,
	0x81, 0x03, 0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x15, 0x00,
	0x26, 0xFF, 0x7F, 0x75, 0x10, 0x95, 0x02, 0x81, 0x02, 0xC0, 0xC0,
}

// TabletReport is one absolute-pointer sample queued for delivery (§4.9).
type TabletReport struct {
	Buttons uint8
	X, Y    uint16
}

func (r TabletReport) encode() []byte {
	return []byte{r.Buttons, byte(r.X), byte(r.X >> 8), byte(r.Y), byte(r.Y >> 8)}
}

// TabletBackend is the internal fixed-report-descriptor absolute-pointer HID
// device (§4.9), letting scenarios S3/S4 exercise Address Device and a bulk
// IN completion without any host hardware. Its report queue is a small
// mutex-guarded buffer popped front-to-back, the same idiom the legacy
// keyboard model used for "typed" bytes.
type TabletBackend struct {
	mu       sync.Mutex
	reports  []TabletReport
	config   uint8
	notify   NotifyFunc
}

// NewTabletBackend constructs a tablet with no queued reports.
func NewTabletBackend() *TabletBackend {
	return &TabletBackend{}
}

// PushReport enqueues an absolute-pointer sample for the next IN poll and,
// if a notify callback is registered, wakes the transfer handler.
func (t *TabletBackend) PushReport(r TabletReport) {
	t.mu.Lock()
	t.reports = append(t.reports, r)
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify(0, 3) // DCI 3 == EP1 IN
	}
}

func (t *TabletBackend) Kind() UsbBackendKind { return BackendEmulated }

func (t *TabletBackend) Info() DeviceInfo {
	return DeviceInfo{Path: "internal-tablet", BcdUSB: 0x0200, Speed: SpeedFull, MaxPacket0: 8, Backend: t}
}

func (t *TabletBackend) Init(notify NotifyFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = notify
	return nil
}

func (t *TabletBackend) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = nil
	t.config = 0
	return nil
}

// Request answers the standard control requests a minimal HID device needs
// to enumerate (§4.9): GET_DESCRIPTOR for device/config/report descriptors,
// SET_CONFIGURATION, SET_IDLE.
func (t *TabletBackend) Request(xfer *Xfer) BackendError {
	req := xfer.Request
	switch req.BRequest {
	case reqGetDescriptor:
		descType := uint8(req.WValue >> 8)
		var payload []byte
		switch descType {
		case descDevice:
			payload = tabletDeviceDescriptor
		case descConfiguration:
			payload = tabletConfigDescriptor
		case descHidReport:
			payload = tabletReportDescriptor
		default:
			return BeStalled
		}
		n := copy(xfer.Data, payload)
		xfer.ActualLen = uint32(n)
		return BeNormal

	case reqSetConfiguration:
		t.mu.Lock()
		t.config = uint8(req.WValue)
		t.mu.Unlock()
		return BeNormal

	case reqSetIdle:
		return BeNormal

	default:
		return BeStalled
	}
}

// Data services the interrupt IN endpoint: each poll pops the oldest queued
// report, or returns a zero-length success when none is queued (§4.9).
func (t *TabletBackend) Data(xfer *Xfer, dir XferDirection, epIndex uint8) BackendError {
	if dir != XferIn || epIndex != 1 {
		return BeInval
	}
	t.mu.Lock()
	var payload []byte
	if len(t.reports) > 0 {
		payload = t.reports[0].encode()
		t.reports = t.reports[1:]
	}
	t.mu.Unlock()
	n := copy(xfer.Data, payload)
	xfer.ActualLen = uint32(n)
	return BeNormal
}

func (t *TabletBackend) Stop() error   { return nil }
func (t *TabletBackend) Deinit() error { return nil }
