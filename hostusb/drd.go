package hostusb

import (
	"fmt"
	"os"
)

// DrdSysfs is the io.Writer the APL DRD extended capability window writes
// mode strings to (SPEC_FULL.md §4.8): each Write reopens the sysfs node and
// writes the literal mode, mirroring the one-shot open/write/close pattern
// sysfs "set on write" attributes expect.
type DrdSysfs struct {
	path string
}

// NewDrdSysfs targets the given sysfs attribute path, e.g.
// "/sys/class/usb_role/xhci-drd/role".
func NewDrdSysfs(path string) *DrdSysfs {
	return &DrdSysfs{path: path}
}

func (d *DrdSysfs) Write(p []byte) (int, error) {
	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0, fmt.Errorf("hostusb: open drd sink %s: %w", d.path, err)
	}
	defer f.Close()
	return f.Write(p)
}
