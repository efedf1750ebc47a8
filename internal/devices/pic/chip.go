package pic

// chip models a single 8259A. The edge latch works off two bytes: lines holds
// the current pin levels, lineLow marks pins that have gone low since their
// last acknowledge. A request is visible while the pin is high and either the
// line is level-triggered (ELCR) or the edge latch is armed, so an edge
// consumed by an INTA cycle stays quiet until the wire drops again.
type chip struct {
	primary bool

	stage      initStage
	vectorBase byte
	needICW4   bool
	imr        byte
	isr        byte
	elcr       byte
	lines      byte
	lineLow    byte

	// lowPriority is the rotation base: the line currently holding lowest
	// priority. 7 gives the power-on fixed ordering with line 0 highest.
	lowPriority     uint8
	autoEOI         bool
	rotateOnAutoEOI bool
	specialMask     bool
	readISR         bool
	pollNext        bool
}

type initStage uint8

const (
	stageUninitialized initStage = iota
	stageAwaitICW2
	stageAwaitICW3
	stageAwaitICW4
	stageReady
)

func newChip(primary bool) *chip {
	base := byte(0)
	if !primary {
		base = 8
	}
	return &chip{
		primary:     primary,
		vectorBase:  base,
		lineLow:     0xff,
		lowPriority: spuriousLine,
	}
}

func (c *chip) reset(preserveLines, preserveELCR bool) {
	lines := byte(0)
	if preserveLines {
		lines = c.lines
	}
	elcr := byte(0)
	if preserveELCR {
		elcr = c.elcr
	}
	*c = *newChip(c.primary)
	c.lines = lines
	c.elcr = elcr
}

func (c *chip) irr() byte { return c.lines & (c.elcr | c.lineLow) }

func (c *chip) setLine(line uint8, high bool) {
	bit := byte(1) << line
	if high {
		c.lines |= bit
	} else {
		c.lines &^= bit
		c.lineLow |= bit
	}
}

// lineAt maps a priority rank to a line number under the current rotation
// base; rank 0 is the line right after the lowest-priority one.
func (c *chip) lineAt(rank int) uint8 {
	return (c.lowPriority + 1 + uint8(rank)) & lineMask
}

// priorityOf ranks the highest-priority set bit of mask, 8 when mask is
// empty.
func (c *chip) priorityOf(mask byte) int {
	if mask == 0 {
		return 8
	}
	for rank := 0; rank < 8; rank++ {
		if mask&(1<<c.lineAt(rank)) != 0 {
			return rank
		}
	}
	return 8
}

// pendingLine resolves priority: the best unmasked request wins only if it
// outranks every in-service level. Special mask mode removes masked levels
// from the in-service comparison so they stop blocking lower priorities.
func (c *chip) pendingLine() (uint8, bool) {
	rank := c.priorityOf(c.irr() &^ c.imr)
	if rank == 8 {
		return 0, false
	}
	inService := c.isr
	if c.specialMask {
		inService &^= c.imr
	}
	if rank >= c.priorityOf(inService) {
		return 0, false
	}
	return c.lineAt(rank), true
}

func (c *chip) interruptPending() bool {
	_, ok := c.pendingLine()
	return ok
}

// acknowledge consumes the winning request. The edge latch disarms so the
// same edge cannot fire twice; level lines keep following the pin and are
// gated by ISR until EOI.
func (c *chip) acknowledge() (uint8, bool) {
	line, ok := c.pendingLine()
	if !ok {
		return c.vectorBase | spuriousLine, false
	}
	bit := byte(1) << line
	c.lineLow &^= bit
	if c.autoEOI {
		if c.rotateOnAutoEOI {
			c.lowPriority = line
		}
	} else {
		c.isr |= bit
	}
	return c.vectorBase | line, true
}

func (c *chip) complete(line uint8, rotate bool) {
	c.isr &^= byte(1) << line
	if rotate {
		c.lowPriority = line
	}
}

func (c *chip) completeHighest(rotate bool) {
	rank := c.priorityOf(c.isr)
	if rank == 8 {
		return
	}
	c.complete(c.lineAt(rank), rotate)
}

const (
	icw1Bit      = 0x10
	icw1NeedICW4 = 0x01
	icw4AutoEOI  = 0x02
	ocw3Bit      = 0x08
)

func (c *chip) writeCommand(v byte) {
	if v&icw1Bit != 0 {
		// ICW1 restarts the init sequence; pin levels and ELCR survive.
		c.reset(true, true)
		c.needICW4 = v&icw1NeedICW4 != 0
		c.stage = stageAwaitICW2
		return
	}
	if c.stage != stageReady {
		// OCWs before the init sequence completes are dropped.
		return
	}
	if v&ocw3Bit != 0 {
		o := ocw3(v)
		if o.selectESMM() {
			c.specialMask = o.specialMask()
		}
		if o.poll() {
			c.pollNext = true
		}
		if o.readSelect() {
			c.readISR = o.readISR()
		}
		return
	}
	o := ocw2(v)
	switch {
	case o.eoi() && o.specific():
		c.complete(o.line(), o.rotate())
	case o.eoi():
		c.completeHighest(o.rotate())
	case o.rotate() && o.specific():
		// Set-priority command: the named line becomes lowest priority.
		c.lowPriority = o.line()
	case o.specific():
		// R=0 SL=1 EOI=0 is documented as no operation.
	default:
		c.rotateOnAutoEOI = o.rotate()
	}
}

func (c *chip) writeData(v byte) {
	switch c.stage {
	case stageAwaitICW2:
		c.vectorBase = v &^ lineMask
		c.stage = stageAwaitICW3
	case stageAwaitICW3:
		// Cascade wiring is fixed (line 2 / ID 2); the value is accepted
		// and ignored.
		if c.needICW4 {
			c.stage = stageAwaitICW4
		} else {
			c.stage = stageReady
		}
	case stageAwaitICW4:
		c.autoEOI = v&icw4AutoEOI != 0
		c.stage = stageReady
	default:
		c.imr = v
	}
}

func (c *chip) readCommand() byte {
	if c.pollNext {
		c.pollNext = false
		vec, ok := c.acknowledge()
		if !ok {
			return 0
		}
		return 0x80 | (vec & lineMask)
	}
	if c.readISR {
		return c.isr
	}
	return c.irr()
}

func (c *chip) readData() byte { return c.imr }

// ocw2 and ocw3 are the operation command words, accessed through bit
// helpers so the combos in writeCommand read like the datasheet table.

type ocw2 byte

func (o ocw2) line() uint8    { return uint8(o) & lineMask }
func (o ocw2) eoi() bool      { return o&0x20 != 0 }
func (o ocw2) specific() bool { return o&0x40 != 0 }
func (o ocw2) rotate() bool   { return o&0x80 != 0 }

type ocw3 byte

func (o ocw3) poll() bool        { return o&0x04 != 0 }
func (o ocw3) readSelect() bool  { return o&0x02 != 0 }
func (o ocw3) readISR() bool     { return o&0x01 != 0 }
func (o ocw3) selectESMM() bool  { return o&0x40 != 0 }
func (o ocw3) specialMask() bool { return o&0x20 != 0 }
