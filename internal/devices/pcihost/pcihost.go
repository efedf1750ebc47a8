// Package pcihost emulates the i440FX host bridge: the function at 0:0.0
// that identifies the chipset, and configuration mechanism #1 at ports
// 0xCF8/0xCFC that turns port accesses into whole-bus config cycles.
package pcihost

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
)

const (
	portBase   uint16 = 0xcf8
	regionSize uint16 = 8

	// Region-relative offsets of the two dword ports.
	addressPort uint16 = 0
	dataPort    uint16 = 4

	// Bit 31 of the address latch gates config cycles.
	addressEnable uint32 = 1 << 31

	vendorIntel uint16 = 0x8086
	device82441 uint16 = 0x1237 // 82441FX PMC
)

// InterfaceID is the QueryInterface identifier under which the device exports
// itself.
const InterfaceID = "vdm.pcihost"

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "pcihost",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassBus,
		Description: "i440FX host bridge with config mechanism #1",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

// Device is the instance state. The address latch is guarded by the
// instance's critical section; the port handlers run under it.
type Device struct {
	help devmgr.Helpers
	fn   *pcibus.Function

	addr uint32 // CF8 latch

	cfgReads  *stats.Counter
	cfgWrites *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.cfgReads = help.Counter("config-reads")
	d.cfgWrites = help.Counter("config-writes")

	d.fn = pcibus.NewFunction("i440fx", pcibus.FunctionConfig{
		VendorID:   vendorIntel,
		DeviceID:   device82441,
		RevisionID: 0x02,
		ClassCode:  0x060000,
	})
	if err := help.RegisterPCI(d.fn, 0, 0, 0); err != nil {
		return err
	}

	// Config cycles take the bus lock and can remap BARs, so the region
	// stays on the user-context path.
	h, err := help.NewPortRegion(regionSize, ports{d}, iobus.WithName("pci-conf"))
	if err != nil {
		return err
	}
	return help.MapPort(h, portBase)
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.addr = 0
}

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

// configRead runs one config cycle for the data window. off is the byte
// offset within the window; with the enable bit clear the cycle never
// reaches the bus and reads as all-ones.
func (d *Device) configRead(off uint16, size uint8) uint32 {
	if d.addr&addressEnable == 0 {
		return ^uint32(0) >> (32 - 8*uint32(size))
	}
	d.cfgReads.Inc()
	busNo := uint8(d.addr >> 16)
	dev := uint8(d.addr >> 11 & 0x1f)
	fun := uint8(d.addr >> 8 & 0x7)
	reg := uint16(d.addr&0xfc) + off
	return d.help.PCIConfigRead(busNo, dev, fun, reg, size)
}

func (d *Device) configWrite(off uint16, size uint8, value uint32) {
	if d.addr&addressEnable == 0 {
		return
	}
	d.cfgWrites.Inc()
	busNo := uint8(d.addr >> 16)
	dev := uint8(d.addr >> 11 & 0x1f)
	fun := uint8(d.addr >> 8 & 0x7)
	reg := uint16(d.addr&0xfc) + off
	d.help.PCIConfigWrite(busNo, dev, fun, reg, size, value)
}

type ports struct{ d *Device }

var _ iobus.PortHandler = ports{}

func (p ports) PortIn(_ hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	d := p.d
	end := off + uint16(size)
	switch {
	case end <= dataPort:
		// The latch reads back at byte granularity.
		return uint64(d.addr>>(8*off)) & (1<<(8*uint64(size)) - 1), nil
	case off >= dataPort && end <= regionSize:
		return uint64(d.configRead(off-dataPort, size)), nil
	}
	// Accesses straddling the two ports do not occur on real hardware.
	return 0, iobus.ErrNotHandled
}

func (p ports) PortOut(_ hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	d := p.d
	end := off + uint16(size)
	switch {
	case end <= dataPort:
		for i := uint16(0); i < uint16(size); i++ {
			shift := 8 * (off + i)
			d.addr = d.addr&^(0xff<<shift) | uint32(byte(value>>(8*i)))<<shift
		}
		return nil
	case off >= dataPort && end <= regionSize:
		d.configWrite(off-dataPort, size, uint32(value))
		return nil
	}
	return iobus.ErrNotHandled
}

type deviceState struct {
	Address uint32
}

func (d *Device) CaptureState(w io.Writer) error {
	return gob.NewEncoder(w).Encode(deviceState{Address: d.addr})
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("pcihost: restore: %w", err)
	}
	d.addr = st.Address
	return nil
}
