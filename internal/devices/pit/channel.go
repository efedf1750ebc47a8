package pit

type accessMode uint8

const (
	accessLatch   accessMode = 0
	accessLow     accessMode = 1
	accessHigh    accessMode = 2
	accessLowHigh accessMode = 3
)

type countMode uint8

const (
	mode0 countMode = 0 // interrupt on terminal count
	mode1 countMode = 1 // hardware one-shot
	mode2 countMode = 2 // rate generator
	mode3 countMode = 3 // square wave
	mode4 countMode = 4 // software strobe
	mode5 countMode = 5 // hardware strobe
)

// channel holds one counter. There is no ticking state: the count is derived
// from the virtual clock on demand, using loadedAt as the reference point.
// While the gate is low a loaded count is armed but does not run; raising the
// gate restarts the countdown from the full reload value.
type channel struct {
	access accessMode
	mode   countMode
	bcd    bool

	pending    uint16
	expectHigh bool

	reload    uint16 // 0 means 65536
	loadedAt  uint64 // virtual ns at the last (re)load
	running   bool
	nullCount bool

	outputHigh bool
	gate       bool

	countLatched  bool
	countLatch    uint16
	statusLatched bool
	statusLatch   byte
	readHigh      bool
	readLatch     uint16
}

func newChannel(gate bool) channel {
	return channel{
		access:     accessLowHigh,
		mode:       mode3,
		gate:       gate,
		nullCount:  true,
		outputHigh: true,
	}
}

func (ch *channel) effectiveReload() uint32 {
	if ch.reload == 0 {
		return 1 << 16
	}
	return uint32(ch.reload)
}

func (ch *channel) setControl(access accessMode, mode countMode, bcd bool) {
	ch.access = access
	ch.mode = mode
	ch.bcd = bcd
	ch.pending = 0
	ch.expectHigh = false
	ch.readHigh = false
	ch.countLatched = false
	ch.statusLatched = false
	ch.nullCount = true
	ch.running = false
	ch.outputHigh = true
}

// write feeds one byte of a count load and reports whether the load is now
// complete.
func (ch *channel) write(now uint64, value byte) bool {
	switch ch.access {
	case accessLow:
		ch.pending = uint16(value)
	case accessHigh:
		ch.pending = uint16(value) << 8
	case accessLowHigh:
		if !ch.expectHigh {
			ch.pending = ch.pending&0xff00 | uint16(value)
			ch.expectHigh = true
			return false
		}
		ch.pending = uint16(value)<<8 | ch.pending&0x00ff
		ch.expectHigh = false
	default:
		return false
	}

	ch.reload = ch.pending
	ch.nullCount = false
	ch.readHigh = false
	ch.countLatched = false
	ch.statusLatched = false
	if ch.gate {
		ch.start(now)
	} else {
		ch.running = false
		ch.outputHigh = true
	}
	return true
}

func (ch *channel) start(now uint64) {
	ch.running = true
	ch.loadedAt = now
	ch.outputHigh = ch.mode != mode0
}

func (ch *channel) setGate(now uint64, high bool) {
	if high == ch.gate {
		return
	}
	ch.gate = high
	if high {
		if !ch.nullCount {
			ch.start(now)
		}
		return
	}
	ch.running = false
	if ch.mode == mode2 || ch.mode == mode3 {
		ch.outputHigh = true
	}
}

// currentCount derives the live counter value and folds terminal-count state
// back into the channel while it is at it.
func (ch *channel) currentCount(now uint64) uint16 {
	if !ch.running {
		if ch.mode == mode0 && ch.outputHigh && !ch.nullCount && ch.gate {
			return 0
		}
		return ch.reload
	}
	var elapsed uint64
	if now > ch.loadedAt {
		elapsed = now - ch.loadedAt
	}
	ticks := elapsed / tickNs
	period := uint64(ch.effectiveReload())
	if ch.mode == mode0 {
		if ticks >= period {
			ch.outputHigh = true
			ch.running = false
			return 0
		}
		return uint16(period - ticks)
	}
	ticks %= period
	if ch.mode == mode3 {
		ch.outputHigh = ticks*2 < period
	}
	if ticks == 0 {
		return ch.reload
	}
	return uint16(period - ticks)
}

func (ch *channel) latchCount(now uint64) {
	if ch.countLatched {
		return
	}
	ch.countLatch = ch.currentCount(now)
	ch.countLatched = true
}

func (ch *channel) latchStatus() {
	if ch.statusLatched {
		return
	}
	ch.statusLatch = ch.statusByte()
	ch.statusLatched = true
}

func (ch *channel) statusByte() byte {
	var status byte
	if ch.outputHigh {
		status |= 1 << 7
	}
	if ch.nullCount {
		status |= 1 << 6
	}
	status |= byte(ch.access&0x3) << 4
	status |= byte(ch.mode&0x7) << 1
	if ch.bcd {
		status |= 1
	}
	return status
}

// read returns the next byte of the counter. A latched status byte goes out
// first, then a latched count, then the live count, honoring the low/high
// byte sequence of the programmed access mode.
func (ch *channel) read(now uint64) byte {
	if ch.statusLatched {
		ch.statusLatched = false
		return ch.statusLatch
	}
	value := ch.readableCount(now)
	switch ch.access {
	case accessLow:
		return byte(value)
	case accessHigh:
		return byte(value >> 8)
	case accessLowHigh:
		if !ch.readHigh {
			ch.readHigh = true
			ch.readLatch = value
			return byte(value)
		}
		ch.readHigh = false
		return byte(ch.readLatch >> 8)
	default:
		return byte(value)
	}
}

func (ch *channel) readableCount(now uint64) uint16 {
	if ch.countLatched {
		// A low/high pair keeps the latch alive for the second read.
		if ch.access != accessLowHigh || ch.readHigh {
			ch.countLatched = false
		}
		return ch.countLatch
	}
	return ch.currentCount(now)
}

// readBackCommand is the control word with both select bits set. Counter
// selects are active high; the two latch bits are active low.
type readBackCommand byte

func (c readBackCommand) selects(idx int) bool { return byte(c)>>(1+idx)&1 == 1 }
func (c readBackCommand) latchCount() bool     { return byte(c)&(1<<5) == 0 }
func (c readBackCommand) latchStatus() bool    { return byte(c)&(1<<4) == 0 }
