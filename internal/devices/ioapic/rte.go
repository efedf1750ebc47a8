package ioapic

const (
	deliveryFixed          = 0x0
	deliveryLowestPriority = 0x1
)

// rteWriteMask covers the guest-writable bits of a redirection entry:
// destination, mask, trigger mode, polarity, destination mode, delivery mode
// and vector. Delivery status and remote-IRR stay read-only.
const rteWriteMask uint64 = 0xffff0000<<32 | 0xff |
	0x7<<8 | // delivery mode
	1<<11 | // destination mode
	1<<13 | // polarity
	1<<15 | // trigger mode
	1<<16 // mask

// rte is one 64-bit redirection table entry.
type rte uint64

// entry pairs the programmed entry with the live input pin state.
type entry struct {
	rte      rte
	lineHigh bool
}

func newEntry() entry {
	return entry{rte: 1<<11 | 1<<16}
}

func (r rte) vector() uint8       { return uint8(r) }
func (r rte) deliveryMode() uint8 { return uint8(r>>8) & 0x7 }
func (r rte) destLogical() bool   { return r>>11&1 == 1 }
func (r rte) remoteIRR() bool     { return r>>14&1 == 1 }
func (r rte) levelTrigger() bool  { return r>>15&1 == 1 }
func (r rte) masked() bool        { return r>>16&1 == 1 }
func (r rte) destination() uint8  { return uint8(r >> 56) }

func (r *rte) setRemoteIRR(v bool) {
	if v {
		*r |= 1 << 14
	} else {
		*r &^= 1 << 14
	}
}

// levelCapable reports whether the entry can hold a level-triggered
// interrupt: level trigger mode with fixed or lowest-priority delivery.
func (r rte) levelCapable() bool {
	if !r.levelTrigger() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryFixed || mode == deliveryLowestPriority
}
