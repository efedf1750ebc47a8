package dma

import (
	"fmt"

	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
)

// Classic PC/AT port layout: the byte-wide controller at 0x00, the page
// registers at 0x81..0x8F, the word-wide controller at 0xC0 with registers
// on even offsets.
const (
	bank0Base = 0x00
	pageBase  = 0x81
	bank1Base = 0xc0
)

// pageChannel maps offsets in the page window to channels; -1 entries are
// scratch bytes firmware uses freely.
var pageChannel = [15]int{
	0: 2, 1: 3, 2: 1, 3: -1, 4: -1, 5: -1, 6: 0, 7: -1,
	8: 6, 9: 7, 10: 5, 11: -1, 12: -1, 13: -1, 14: 4,
}

// Attach registers and maps the controller's port windows on the dispatch
// table. The table enters the controller's section around every access, so
// the register handlers below run already serialized.
func (c *Controller) Attach(iot *iobus.Table) error {
	specs := []struct {
		name  string
		base  uint16
		count uint16
		h     iobus.PortHandler
	}{
		{"dma1", bank0Base, 16, bankPorts{c: c, b: 0}},
		{"dma-pages", pageBase, 15, pagePorts{c: c}},
		{"dma2", bank1Base, 32, bankPorts{c: c, b: 1}},
	}
	for _, s := range specs {
		h, err := iot.NewPortRegion(c, s.count, s.h, iobus.WithName(s.name))
		if err != nil {
			return fmt.Errorf("dma: %s: %w", s.name, err)
		}
		if err := iot.MapPort(h, s.base); err != nil {
			return fmt.Errorf("dma: map %s: %w", s.name, err)
		}
	}
	return nil
}

type bankPorts struct {
	c *Controller
	b int
}

func (p bankPorts) PortIn(_ hv.ExecutionContext, offset uint16, size uint8) (uint64, error) {
	if size != 1 {
		return 0, iobus.ErrNotHandled
	}
	if p.b == 1 {
		if offset&1 != 0 {
			return 0xff, nil
		}
		offset >>= 1
	}
	return uint64(p.c.bankIn(p.b, offset)), nil
}

func (p bankPorts) PortOut(_ hv.ExecutionContext, offset uint16, size uint8, value uint64) error {
	if size != 1 {
		return iobus.ErrNotHandled
	}
	if p.b == 1 {
		if offset&1 != 0 {
			return nil
		}
		offset >>= 1
	}
	p.c.bankOut(p.b, offset, uint8(value))
	return nil
}

type pagePorts struct {
	c *Controller
}

func (p pagePorts) PortIn(_ hv.ExecutionContext, offset uint16, size uint8) (uint64, error) {
	if size != 1 {
		return 0, iobus.ErrNotHandled
	}
	if ch := pageChannel[offset]; ch >= 0 {
		return uint64(p.c.banks[ch>>2].page[ch&3]), nil
	}
	return uint64(p.c.scratch[offset]), nil
}

func (p pagePorts) PortOut(_ hv.ExecutionContext, offset uint16, size uint8, value uint64) error {
	if size != 1 {
		return iobus.ErrNotHandled
	}
	if ch := pageChannel[offset]; ch >= 0 {
		p.c.banks[ch>>2].page[ch&3] = uint8(value)
	} else {
		p.c.scratch[offset] = uint8(value)
	}
	return nil
}

var (
	_ iobus.PortHandler = bankPorts{}
	_ iobus.PortHandler = pagePorts{}
)

// bankOut applies a write to one controller register. Address and count
// registers load a byte at a time through the flip-flop and mirror into the
// current registers.
func (c *Controller) bankOut(b int, reg uint16, v uint8) {
	bk := &c.banks[b]
	switch reg {
	case 0, 1, 2, 3, 4, 5, 6, 7:
		idx := int(reg >> 1)
		var dst *uint16
		if reg&1 == 0 {
			dst = &bk.baseAddr[idx]
		} else {
			dst = &bk.baseCount[idx]
		}
		if bk.flipflop {
			*dst = *dst&0x00ff | uint16(v)<<8
		} else {
			*dst = *dst&0xff00 | uint16(v)
		}
		bk.curAddr[idx] = bk.baseAddr[idx]
		bk.curCount[idx] = bk.baseCount[idx]
		bk.flipflop = !bk.flipflop
	case 8:
		bk.command = v
	case 9:
		// Request register: a software DREQ.
		idx := int(v & 3)
		if v&4 != 0 {
			bk.status |= 1 << (4 + idx)
		} else {
			bk.status &^= 1 << (4 + idx)
		}
	case 10:
		idx := int(v & 3)
		if v&4 != 0 {
			bk.mask |= 1 << idx
		} else {
			bk.mask &^= 1 << idx
		}
	case 11:
		bk.mode[v&3] = v
	case 12:
		bk.flipflop = false
	case 13:
		bk.reset()
	case 14:
		bk.mask = 0
	case 15:
		bk.mask = v & 0x0f
	}
	switch reg {
	case 8, 9, 10, 14, 15:
		// Command, request and mask writes can make a channel runnable.
		c.scheduleLocked()
	}
}

func (c *Controller) bankIn(b int, reg uint16) uint8 {
	bk := &c.banks[b]
	switch reg {
	case 0, 1, 2, 3, 4, 5, 6, 7:
		idx := int(reg >> 1)
		var v uint16
		if reg&1 == 0 {
			v = bk.curAddr[idx]
		} else {
			v = bk.curCount[idx]
		}
		hi := bk.flipflop
		bk.flipflop = !bk.flipflop
		if hi {
			return uint8(v >> 8)
		}
		return uint8(v)
	case 8:
		// Reading status clears the terminal count bits.
		v := bk.status
		bk.status &^= 0x0f
		return v
	case 13:
		return 0
	case 15:
		return 0xf0 | bk.mask
	default:
		return 0xff
	}
}
