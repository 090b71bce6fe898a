// core_engine/devices/xhci_constants.go
package devices

// MMIO region boundaries (offsets into BAR0), little-endian throughout.
const (
	XhciCapLen   uint32 = 0x20   // capability registers: [0x00, CapLen)
	XhciOpBase   uint32 = XhciCapLen
	XhciDbOff    uint32 = 0x2000 // doorbell array base
	XhciRtsOff   uint32 = 0x3000 // runtime register base
	XhciExcapOff uint32 = 0x8000 // extended capability array base
	XhciRegsEnd  uint32 = 0x8100 // one past the last valid offset

	XhciPortRegBase uint32 = XhciOpBase + 0x400 // first port register set
	XhciPortRegSize uint32 = 16                 // PORTSC, PORTPMSC, PORTLI, PORTHLPMC

	XhciIntrRegBase uint32 = XhciRtsOff + 0x20 // interrupter register set 0
	XhciIntrRegSize uint32 = 0x20
)

// Controller sizing. Real xHCI allows up to 255 slots/devices; this emulation
// caps both to keep the port/slot tables small and the offsets above valid.
const (
	XhciMaxSlots    = 32
	XhciMaxPorts    = 16 // 1..=16, USB2 half [1,8], USB3 half [9,16]
	XhciUsb2PortLo  = 1
	XhciUsb2PortHi  = 8
	XhciUsb3PortLo  = 9
	XhciUsb3PortHi  = 16
	XhciMaxEndpoints = 32 // index 0 unused, 1 = EP0, 2..31 = the rest
	XhciMaxXferBlocks = 64
	XhciErstMaxSize = 4096 // entries in the single supported segment
)

// Operational register offsets, relative to XhciOpBase.
const (
	RegUsbCmd  uint32 = 0x00
	RegUsbSts  uint32 = 0x04
	RegPageSz  uint32 = 0x08
	RegDnCtrl  uint32 = 0x14
	RegCrcr    uint32 = 0x18
	RegDcbaap  uint32 = 0x30
	RegConfig  uint32 = 0x38
)

// USBCMD bits.
const (
	UsbCmdRunStop uint32 = 1 << 0
	UsbCmdHcRst   uint32 = 1 << 1
	UsbCmdIntEn   uint32 = 1 << 2
	UsbCmdHsee    uint32 = 1 << 3
	UsbCmdEu3s    uint32 = 1 << 11
	UsbCmdCss     uint32 = 1 << 8
	UsbCmdCrs     uint32 = 1 << 9
)

// USBSTS bits.
const (
	UsbStsHcHalted uint32 = 1 << 0
	UsbStsHse      uint32 = 1 << 2
	UsbStsEint     uint32 = 1 << 3
	UsbStsPcd      uint32 = 1 << 4
	UsbStsSss      uint32 = 1 << 8
	UsbStsRss      uint32 = 1 << 9
	UsbStsCnr      uint32 = 1 << 11
)

// CRCR bits (low dword).
const (
	CrcrRcs uint32 = 1 << 0
	CrcrCs  uint32 = 1 << 1
	CrcrCa  uint32 = 1 << 2
	CrcrCrr uint32 = 1 << 3
	CrcrPtrMask uint32 = 0xFFFFFFC0
)

// PORTSC bits.
const (
	PortscCcs   uint32 = 1 << 0 // Current Connect Status (RO)
	PortscPed   uint32 = 1 << 1 // Port Enabled/Disabled
	PortscOca   uint32 = 1 << 3 // Over-current Active (RO)
	PortscPr    uint32 = 1 << 4 // Port Reset
	PortscPlsShift       = 5
	PortscPlsMask uint32 = 0xF << PortscPlsShift
	PortscPp    uint32 = 1 << 9 // Port Power
	PortscSpeedShift      = 10
	PortscSpeedMask uint32 = 0xF << PortscSpeedShift
	PortscPicShift        = 14
	PortscPicMask uint32 = 0x3 << PortscPicShift
	PortscLws   uint32 = 1 << 16 // Link State Write Strobe
	PortscCsc   uint32 = 1 << 17 // Connect Status Change
	PortscPec   uint32 = 1 << 18 // Port Enabled/Disabled Change
	PortscWrc   uint32 = 1 << 19 // Warm Port Reset Change
	PortscOcc   uint32 = 1 << 20 // Over-current Change
	PortscPrc   uint32 = 1 << 21 // Port Reset Change
	PortscPlc   uint32 = 1 << 22 // Port Link State Change
	PortscCec   uint32 = 1 << 23 // Port Config Error Change
	PortscCas   uint32 = 1 << 24 // Cold Attach Status (write-1-to-clear here)
	PortscWce   uint32 = 1 << 25
	PortscWde   uint32 = 1 << 26
	PortscWoe   uint32 = 1 << 27
	PortscDr    uint32 = 1 << 30 // Device Removable (RO)
	PortscWpr   uint32 = 1 << 31 // Warm Port Reset

	// Bits preserved verbatim across a PORTSC write (read-only hardware state).
	PortscRoMask uint32 = PortscOca | PortscPr | PortscPed | PortscPlsMask |
		PortscSpeedMask | PortscPicMask | PortscLws | PortscDr | PortscWpr

	// Bits cleared by writing 1 (write-1-to-clear, "RW1C").
	PortscW1cMask uint32 = PortscCsc | PortscPec | PortscWrc | PortscOcc |
		PortscPrc | PortscPlc | PortscCec | PortscCas
)

// Port link state (PLS) values.
const (
	PlsU0      uint32 = 0
	PlsU3      uint32 = 3
	PlsRxDet   uint32 = 5 // default after reset: Rx.Detect
	PlsInactive uint32 = 6
)

// Port speed values (encoded in PORTSC[13:10]).
const (
	SpeedFull  uint32 = 1
	SpeedLow   uint32 = 2
	SpeedHigh  uint32 = 3
	SpeedSuper uint32 = 4
)

// Doorbell register: one 32-bit word per slot (0 = command ring doorbell).
const (
	DoorbellTargetMask   uint32 = 0xFF
	DoorbellStreamShift         = 16
	DoorbellStreamMask   uint32 = 0xFFFF << DoorbellStreamShift
)

// Interrupter register set offsets, relative to an interrupter's base.
const (
	RegIman   uint32 = 0x00
	RegImod   uint32 = 0x04
	RegErstsz uint32 = 0x08
	RegErstba uint32 = 0x10
	RegErdp   uint32 = 0x18
)

// IMAN bits.
const (
	ImanIp uint32 = 1 << 0 // Interrupt Pending
	ImanIe uint32 = 1 << 1 // Interrupt Enable
)

// ERDP bits.
const (
	ErdpBusy    uint64 = 1 << 3
	ErdpSegIdxMask uint64 = 0x7
	ErdpPtrMask uint64 = ^uint64(0xF)
)

// TRB types (dwTrb3[15:10]).
const (
	TrbNormal         uint32 = 1
	TrbSetupStage     uint32 = 2
	TrbDataStage      uint32 = 3
	TrbStatusStage    uint32 = 4
	TrbIsoch          uint32 = 5
	TrbLink           uint32 = 6
	TrbEventData      uint32 = 7
	TrbNoopTransfer   uint32 = 8
	TrbEnableSlot     uint32 = 9
	TrbDisableSlot    uint32 = 10
	TrbAddressDevice  uint32 = 11
	TrbConfigureEp    uint32 = 12
	TrbEvaluateCtx    uint32 = 13
	TrbResetEp        uint32 = 14
	TrbStopEp         uint32 = 15
	TrbSetTrDequeue   uint32 = 16
	TrbResetDevice    uint32 = 17
	TrbForceEvent     uint32 = 18
	TrbNegotiateBw    uint32 = 19
	TrbSetLatencyTol  uint32 = 20
	TrbGetPortBw      uint32 = 21
	TrbForceHeader    uint32 = 22
	TrbNoopCommand    uint32 = 23
	TrbTransferEvent  uint32 = 32
	TrbCommandCompletion uint32 = 33
	TrbPortStatusChange  uint32 = 34
	TrbHostController    uint32 = 37
)

// Completion codes (dwTrb2[31:24] of an event TRB).
const (
	CcInvalid           uint32 = 0
	CcSuccess           uint32 = 1
	CcDataBufferError   uint32 = 2
	CcBabbleDetected    uint32 = 3
	CcUsbTransactionError uint32 = 4
	CcTrbError          uint32 = 5
	CcStallError        uint32 = 6
	CcResourceError     uint32 = 7
	CcBandwidthError    uint32 = 8
	CcNoSlotsAvailable  uint32 = 9
	CcShortPacket       uint32 = 13
	CcEventRingFullError uint32 = 21
	CcParameterError    uint32 = 17
	CcContextStateError uint32 = 19
	CcCommandRingStopped uint32 = 24
	CcCommandAborted    uint32 = 25
	CcStopped           uint32 = 26
	CcStoppedLengthInvalid uint32 = 27
	CcSlotNotEnabledError uint32 = 11
	CcEndpointNotEnabledError uint32 = 12
)

// Slot context states (Data Model §3).
type SlotState uint8

const (
	SlotDisabled SlotState = iota
	SlotDefault
	SlotAddressed
	SlotConfigured
)

// Endpoint states.
type EpState uint8

const (
	EpDisabled EpState = iota
	EpRunning
	EpHalted
	EpStopped
	EpError
)

// Native-port states.
type PortState uint8

const (
	PortFree PortState = iota
	PortAssigned
	PortConnected
	PortEmulated
)

// VBDP record states.
type VbdpState uint8

const (
	VbdpNone VbdpState = iota
	VbdpStart
	VbdpEnd
)

// UsbBackend error codes, translated by the completion-code mapping table
// (§7) into the xHCI completion codes above.
type BackendError int

const (
	BeNormal BackendError = iota
	BeShortXfer
	BeStalled
	BeTimeout
	BeIoError
	BeBadBufSize
	BeCancelled
	BeCancelledNak
	BeInval
	BeBadAddress
	BeBadFlag
	BeNoMem
	BeInUse
	BeNoAddr
	BeNoPipe
	BeDmaLoadFailed
	BeBadContext
	BeIoErrorTrb
	BeSetAddrFailed
)

// CompletionCodeFor implements the fixed backend-error -> xHCI completion
// code mapping table from §7.
func CompletionCodeFor(err BackendError) uint32 {
	switch err {
	case BeNormal:
		return CcSuccess
	case BeShortXfer:
		return CcShortPacket
	case BeStalled:
		return CcStallError
	case BeTimeout, BeIoError:
		return CcUsbTransactionError
	case BeBadBufSize:
		return CcBabbleDetected
	case BeCancelled, BeCancelledNak:
		return CcStopped
	case BeInval, BeBadAddress, BeBadFlag:
		return CcParameterError
	case BeNoMem, BeInUse, BeNoAddr, BeNoPipe:
		return CcResourceError
	case BeDmaLoadFailed:
		return CcDataBufferError
	case BeBadContext, BeIoErrorTrb:
		return CcTrbError
	case BeSetAddrFailed:
		return CcResourceError
	default:
		return CcTrbError
	}
}

// Extended capability default layout offsets (EXCAPOFF-relative).
const (
	ExcapUsb2ProtoOff uint32 = 0x8000 - XhciExcapOff
	ExcapUsb3ProtoOff uint32 = 0x8020 - XhciExcapOff
	ExcapDrdOff       uint32 = 0x8070 - XhciExcapOff
	ExcapDrdEnd       uint32 = 0x80E0 - XhciExcapOff
)

// DRD switch register offsets (relative to ExcapDrdOff) and bits.
const (
	RegDrdCfg0 uint32 = 0x00
	RegDrdCfg1 uint32 = 0x04

	DrdCfg0IdpinEn uint32 = 1 << 0
	DrdCfg0Idpin   uint32 = 1 << 1
)

// PCI configuration identity (§6).
const (
	PciClassSerialBus   uint8  = 0x0C
	PciSubclassUsb      uint8  = 0x03
	PciProgIfXhci       uint8  = 0x30
	PciVendorDefault    uint16 = 0x8086
	PciDeviceDefault    uint16 = 0x1E31
	PciVendorApl        uint16 = 0x8086
	PciDeviceApl        uint16 = 0x5AF8
)

// LogLevel gates the ambient logging stack (SPEC_FULL.md §2.1).
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
)

func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogDebug
	case "info":
		return LogInfo
	case "warn":
		return LogWarn
	default:
		return LogError
	}
}
