package core_engine_test

import (
	"testing"

	"example.com/v-xhci/core_engine"
	"example.com/v-xhci/core_engine/devices"
)

// TestVirtualMachineBootAttachesXhci boots a minimal KVM VM and verifies the
// attached xHCI controller answers MMIO reads at its BAR window: a
// CAPLENGTH read comes back nonzero, and a USBSTS read right after reset
// has HCHalted set.
func TestVirtualMachineBootAttachesXhci(t *testing.T) {
	vm, err := core_engine.NewVirtualMachine(4*1024*1024, 1, false, devices.Options{}, "")
	if err != nil {
		t.Fatalf("failed to create VirtualMachine: %v", err)
	}
	defer vm.Close()

	data := make([]byte, 1)
	if err := vm.HandleMMIO(0, xhciMmioBaseForTest, data, false); err != nil {
		t.Fatalf("HandleMMIO read of CAPLENGTH: %v", err)
	}
	if data[0] == 0 {
		t.Errorf("expected nonzero CAPLENGTH, got 0")
	}

	stsData := make([]byte, 4)
	if err := vm.HandleMMIO(0, xhciMmioBaseForTest+usbStsOffsetForTest, stsData, false); err != nil {
		t.Fatalf("HandleMMIO read of USBSTS: %v", err)
	}
	usbSts := uint32(stsData[0]) | uint32(stsData[1])<<8 | uint32(stsData[2])<<16 | uint32(stsData[3])<<24
	if usbSts&1 == 0 {
		t.Errorf("expected HCHalted set immediately after reset, USBSTS=0x%x", usbSts)
	}
}

// These mirror the unexported layout constants virtual_machine.go relies on;
// duplicated here since the test lives in the _test package and only needs
// the two offsets it exercises.
const (
	xhciMmioBaseForTest  = 0xF0000000
	usbStsOffsetForTest  = 0x24 // CapLen(0x20) + USBSTS(0x04)
)
