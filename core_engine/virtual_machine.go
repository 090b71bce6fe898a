package core_engine

import (
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"unsafe"

	"example.com/v-xhci/core_engine/devices"
	"example.com/v-xhci/core_engine/hypervisor"
	"example.com/v-xhci/hostusb"
)

// xhciMmioBase is the guest-physical address the xHCI BAR is mapped at.
// RegsEnd (devices.XhciRegsEnd) bytes starting here are claimed by the
// controller; everything else routes to HandleMMIO's fallback.
const xhciMmioBase = 0xF0000000

// VirtualMachine represents a KVM-based virtual machine hosting a single
// emulated xHCI host controller.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	vcpus       []*VCPU

	xhci   *devices.Xhci
	gm     *devices.SliceGuestMemory
	drdOut *hostusb.DrdSysfs

	MemorySize   uint64
	NumVCPUs     int
	stopChan     chan struct{}
	vcpusRunning chan struct{}
	Debug        bool
}

// xhciInterruptSink delivers MSI/INTx assertions by injecting straight into
// VCPU 0, replacing the PIC-poll indirection the legacy devices used: xHCI
// interrupters are edge-triggered by the controller itself (§4.4), so there
// is no pending-IRQ state for CheckForPendingInterrupts to poll.
type xhciInterruptSink struct {
	vm *VirtualMachine
}

func (s *xhciInterruptSink) AssertMSI(vector uint16) error {
	return s.vm.InjectInterrupt(0, uint8(vector))
}

func (s *xhciInterruptSink) AssertINTx() error {
	return s.vm.InjectInterrupt(0, 0x0B) // legacy INTA# line, arbitrary vector
}

// NewVirtualMachine creates and initializes a new virtual machine, then
// attaches an xHCI controller configured by xhciOpts (§6) at xhciMmioBase.
// drdSysfsPath may be empty, in which case DRD switch writes are logged and
// ignored (§4.8).
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool, xhciOpts devices.Options, drdSysfsPath string) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024 // Default to 128MB
	}
	if numVCPUs == 0 {
		numVCPUs = 1 // Default to 1 VCPU
	}

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %v", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %v", err)
	}

	// Allocate guest memory
	guestMem, err := syscall.Mmap(-1, 0, int(memSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %v", err)
	}

	// Tell KVM about the memory region
	err = hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0])))
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %v", err)
	}

	vm := &VirtualMachine{
		vmFD:         vmFD,
		kvmFD:        kvmFD,
		guestMemory:  guestMem,
		MemorySize:   memSize,
		NumVCPUs:     numVCPUs,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, numVCPUs),
		Debug:        enableDebug,
	}

	gm := devices.NewSliceGuestMemory(guestMem)
	var drdWriter *hostusb.DrdSysfs
	var drdIoWriter = io.Writer(nil)
	if drdSysfsPath != "" {
		drdWriter = hostusb.NewDrdSysfs(drdSysfsPath)
		drdIoWriter = drdWriter
	}
	xhciDev, err := devices.NewXhci(gm, &xhciInterruptSink{vm: vm}, drdIoWriter, xhciOpts)
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to attach xHCI controller: %w", err)
	}
	vm.gm = gm
	vm.drdOut = drdWriter
	vm.xhci = xhciDev

	if xhciOpts.Tablet {
		tablet := devices.NewTabletBackend()
		if err := xhciDev.Connect(tablet.Info()); err != nil {
			vm.Close()
			return nil, fmt.Errorf("failed to connect internal tablet: %w", err)
		}
	}

	// Create VCPUs
	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i) // Pass reference to VM
		if err != nil {
			vm.Close() // Cleanup already initialized parts
			return nil, fmt.Errorf("failed to create VCPU %d: %v", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	// Load program from boot.bin
	bootBinaryPath := "../boot_pm.bin" // Primary attempt for `cd core_engine && go run ...`
	program, err := os.ReadFile(bootBinaryPath)
	if err != nil {
		// Fallback: try reading from current working directory (e.g. if running from project root)
		bootBinaryPath = "boot_pm.bin"
		program, err = os.ReadFile(bootBinaryPath)
		if err != nil {
			vm.Close() // Clean up VM resources
			return nil, fmt.Errorf("failed to read boot_pm.bin from %s or current dir: %v", "../boot_pm.bin", err)
		}
	}

	if uint64(len(program)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("boot_pm.bin content too large for guest memory (%d vs %d)", len(program), vm.MemorySize)
	}
	if len(vm.guestMemory) < len(program) {
		vm.Close()
		return nil, fmt.Errorf("guest memory too small (%d bytes) to load boot_pm.bin (%d bytes)", len(vm.guestMemory), len(program))
	}
	copy(vm.guestMemory[0:], program)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes from %s (Protected Mode Bootloader) at address 0x0.", len(program), bootBinaryPath)
	}

	// Construct and Load GDT
	gdtBaseAddress := uint64(0x500) // Arbitrary high address for GDT
	gdt := make([]hypervisor.GDTEntry, 3)

	// Entry 0: Null Descriptor
	gdt[0] = hypervisor.NewGDTEntry(0, 0, 0, 0)
	// Entry 1: Code Segment (Base=0, Limit=4GB, Access=0x9A, Flags=0xCF)
	gdt[1] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF)
	// Entry 2: Data Segment (Base=0, Limit=4GB, Access=0x92, Flags=0xCF)
	gdt[2] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF)

	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}

	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("GDT too large or base address too high for guest memory")
	}
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)
	if vm.Debug {
		log.Printf("VirtualMachine: GDT constructed and loaded at 0x%x (%d entries, %d bytes).", gdtBaseAddress, len(gdt), len(gdtBytes))
	}

	// VMM-Side Paging Setup: Identity map first 4MB
	pageDirectoryBaseAddress := uint64(0x1000)
	numPDEntries := 1024
	pdSizeBytes := uint64(numPDEntries * 4)

	if pageDirectoryBaseAddress+pdSizeBytes > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("page directory too large or base address too high for guest memory")
	}

	pdeFlags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pdeEntry := hypervisor.NewPDE4MB(0x0, pdeFlags)

	if len(vm.guestMemory) < int(pageDirectoryBaseAddress+4) {
		vm.Close()
		return nil, fmt.Errorf("not enough guest memory to write PDE for paging setup")
	}
	vm.guestMemory[pageDirectoryBaseAddress+0] = byte(pdeEntry >> 0)
	vm.guestMemory[pageDirectoryBaseAddress+1] = byte(pdeEntry >> 8)
	vm.guestMemory[pageDirectoryBaseAddress+2] = byte(pdeEntry >> 16)
	vm.guestMemory[pageDirectoryBaseAddress+3] = byte(pdeEntry >> 24)

	if vm.Debug {
		log.Printf("VirtualMachine: Page Directory set up at 0x%x. First PDE (4MB page) created for 0x0-0x3FFFFF.", pageDirectoryBaseAddress)
	}

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and VCPU(s) created successfully. Bootloader, GDT, Page Directory, and xHCI controller loaded.")
	}
	return vm, nil
}

// LoadBinary loads a binary image (e.g., bootloader, kernel) into guest memory.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// Run starts the execution of all VCPUs.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: Starting VCPU run loops...")
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil {
				log.Printf("VCPU %d exited with error: %v", v.id, err)
			} else if vm.Debug {
				log.Printf("VCPU %d exited normally.", v.id)
			}
			vm.vcpusRunning <- struct{}{}
		}(vcpu)
	}

	for i := 0; i < vm.NumVCPUs; i++ {
		select {
		case <-vm.vcpusRunning:
		case <-vm.stopChan:
			if vm.Debug {
				log.Println("VirtualMachine: Run loop detected stop signal (should be handled by VCPUs).")
			}
		}
	}

	if vm.Debug {
		log.Println("VirtualMachine: All VCPUs have completed their run loops.")
	}
	return nil
}

// Stop signals all VCPUs to stop execution.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: Sending stop signal to VCPUs...")
	}
	close(vm.stopChan)
}

// Close cleans up resources used by the virtual machine, including the
// attached xHCI controller (stops its VBDP poller, tears down every slot's
// backend, releases the process-wide single-instance guard).
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: Closing...")
	}
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.xhci != nil {
		vm.xhci.Deinit()
		vm.xhci = nil
	}
	if vm.guestMemory != nil {
		syscall.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.vmFD != 0 {
		syscall.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		syscall.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// HandleIO is called by VCPU on KVM_EXIT_IO. The xHCI controller exposes no
// port-I/O surface (all its registers are MMIO), so any guest port access is
// logged and ignored rather than treated as fatal.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	if vm.Debug {
		log.Printf("VM: VCPU %d unexpected port I/O: port=0x%x dir=%d size=%d count=%d\n", vcpuID, port, direction, size, count)
	}
	for i := range data {
		data[i] = 0xFF
	}
	return nil
}

// HandleMMIO is called by VCPU on KVM_EXIT_MMIO and dispatches accesses
// inside the xHCI BAR window to the controller's register file (§4.1); any
// other address is logged and, for reads, answered with all-ones.
func (vm *VirtualMachine) HandleMMIO(vcpuID int, physAddr uint64, data []byte, isWrite bool) error {
	if physAddr >= xhciMmioBase && physAddr < xhciMmioBase+devices.XhciRegsEnd {
		offset := uint32(physAddr - xhciMmioBase)
		size := uint8(len(data))
		if isWrite {
			var value uint32
			for i := 0; i < len(data) && i < 4; i++ {
				value |= uint32(data[i]) << (8 * i)
			}
			return vm.xhci.WriteMMIO(offset, size, value)
		}
		value, err := vm.xhci.ReadMMIO(offset, size)
		if err != nil {
			return err
		}
		for i := 0; i < len(data) && i < 4; i++ {
			data[i] = byte(value >> (8 * i))
		}
		return nil
	}

	if vm.Debug {
		accessType := "READ"
		if isWrite {
			accessType = "WRITE"
		}
		log.Printf("VM: VCPU %d MMIO Exit outside xHCI BAR: Address=0x%X, Data=%v (len %d), IsWrite=%s\n",
			vcpuID, physAddr, data, len(data), accessType)
	}
	if !isWrite {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return fmt.Errorf("MMIO to address 0x%x (length %d, write: %t) unhandled by VMM", physAddr, len(data), isWrite)
}

// InjectInterrupt allows injecting an interrupt into a specific VCPU.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return fmt.Errorf("cannot inject interrupt: VCPU ID %d out of range", vcpuID)
	}
	vcpu := vm.vcpus[vcpuID]
	return vcpu.InjectInterrupt(vector)
}

// CheckForPendingInterrupts is polled by VCPU0's run loop between KVM_RUN
// calls. The xHCI controller delivers interrupts synchronously through
// xhciInterruptSink rather than by setting a pending flag here, so this is
// a deliberate no-op kept only because VCPU.Run() still calls it.
func (vm *VirtualMachine) CheckForPendingInterrupts(vcpuID int) {}

// ConnectHostDevice attaches a gousb-backed host-passthrough device to the
// controller (§4.9 hostusb.Backend).
func (vm *VirtualMachine) ConnectHostDevice(b *hostusb.Backend) error {
	return vm.xhci.Connect(b.Info())
}
