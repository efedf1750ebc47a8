// Package dma models the PC's cascaded 8237 DMA controllers: eight channels
// in two banks, the classic port interface for programming them, and a
// cooperative pump that drives registered transfer callbacks for channels
// with pending requests. Bus-mastering peripherals move bytes through
// ReadMemory and WriteMemory, which apply the programmed page, address,
// count and direction.
package dma

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/stats"
)

const (
	// ChannelCount covers both banks. Channel 4 cascades the second bank
	// into the first and cannot carry transfers.
	ChannelCount   = 8
	CascadeChannel = 4
)

var ErrBadChannel = errors.New("dma: bad channel")

// ChannelFunc performs one cooperative transfer slice for a channel. size is
// the remaining block length in bytes; the device moves data with ReadMemory
// or WriteMemory at offsets it tracks itself and returns true once the block
// is complete, which latches terminal count. It runs without the controller
// section held.
type ChannelFunc func(ch int, size uint32) (done bool)

// Mode register bits, per channel.
const (
	modeTypeMask  = 0x0c // 0 verify, 1 device to memory, 2 memory to device
	modeTypeWrite = 0x04
	modeTypeRead  = 0x08
	modeAutoInit  = 0x10
	modeDecrement = 0x20
	modeOpMask    = 0xc0
	modeOpCascade = 0xc0
)

const commandDisable = 0x04

// bank is one 8237: four channels plus shared command, status and mask
// state. The second bank transfers 16-bit words.
type bank struct {
	is16 bool

	command  uint8
	status   uint8 // low nibble terminal count, high nibble request
	mask     uint8
	flipflop bool

	mode      [4]uint8
	page      [4]uint8
	baseAddr  [4]uint16
	curAddr   [4]uint16
	baseCount [4]uint16
	curCount  [4]uint16
}

func (bk *bank) reset() {
	bk.command = 0
	bk.status = 0
	bk.mask = 0x0f
	bk.flipflop = false
}

// chanAddr resolves the channel's current byte address from the page and
// address registers. The second bank counts in words.
func (bk *bank) chanAddr(idx int) uint64 {
	if bk.is16 {
		return uint64(bk.page[idx]&0xfe)<<16 | uint64(bk.curAddr[idx])<<1
	}
	return uint64(bk.page[idx])<<16 | uint64(bk.curAddr[idx])
}

// chanSize is the remaining block length in bytes.
func (bk *bank) chanSize(idx int) uint32 {
	n := uint32(bk.curCount[idx]) + 1
	if bk.is16 {
		n <<= 1
	}
	return n
}

type Controller struct {
	log  *slog.Logger
	mem  hv.GuestMemory
	sect *critsect.Section

	banks    [2]bank
	handlers [ChannelCount]ChannelFunc
	scratch  [15]uint8 // unassigned page register ports
	sched    func()

	runs   stats.Counter
	slices stats.Counter
	tcs    stats.Counter
}

func New(log *slog.Logger, mem hv.GuestMemory) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:  log,
		mem:  mem,
		sect: critsect.New("dma"),
	}
	c.banks[1].is16 = true
	c.banks[0].reset()
	c.banks[1].reset()
	return c
}

func (c *Controller) DeviceName() string { return "dma" }

func (c *Controller) Section() *critsect.Section { return c.sect }

var _ iobus.Owner = (*Controller)(nil)

// RegisterChannel binds the transfer callback for a channel. Channel 4 is
// the cascade and is rejected.
func (c *Controller) RegisterChannel(ch int, fn ChannelFunc) error {
	if ch < 0 || ch >= ChannelCount || ch == CascadeChannel {
		return fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	if fn == nil {
		return fmt.Errorf("dma: nil handler for channel %d", ch)
	}

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	if c.handlers[ch] != nil {
		return fmt.Errorf("dma: channel %d already registered", ch)
	}
	c.handlers[ch] = fn
	return nil
}

// SetScheduleHook registers fn to run after any state change that may have
// made a transfer runnable: a DREQ assertion, an unmask, or a command write.
// fn can be invoked with the controller section held, so it must not block
// and must not call back into the controller.
func (c *Controller) SetScheduleHook(fn func()) {
	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	c.sched = fn
}

func (c *Controller) scheduleLocked() {
	if c.sched != nil {
		c.sched()
	}
}

// SetDREQ raises or drops a channel's hardware request line.
func (c *Controller) SetDREQ(ch int, pending bool) {
	if ch < 0 || ch >= ChannelCount {
		panic(fmt.Sprintf("dma: set dreq on channel %d", ch))
	}

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	bk, idx := &c.banks[ch>>2], ch&3
	if pending {
		bk.status |= 1 << (4 + idx)
		c.scheduleLocked()
	} else {
		bk.status &^= 1 << (4 + idx)
	}
}

// ChannelMode reports the raw mode register byte for a channel.
func (c *Controller) ChannelMode(ch int) uint8 {
	if ch < 0 || ch >= ChannelCount {
		panic(fmt.Sprintf("dma: mode of channel %d", ch))
	}

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	return c.banks[ch>>2].mode[ch&3]
}

type pendingSlice struct {
	ch   int
	size uint32
	fn   ChannelFunc
}

// Run pumps every registered channel with a pending, unmasked request once
// and reports whether work remains. It is cooperative: callers invoke it
// from a single serialization point, never a dedicated controller thread.
func (c *Controller) Run() bool {
	c.runs.Inc()

	_ = c.sect.Enter(nil)
	var todo []pendingSlice
	for b := range c.banks {
		bk := &c.banks[b]
		if bk.command&commandDisable != 0 {
			continue
		}
		for idx := 0; idx < 4; idx++ {
			ch := b<<2 | idx
			if !c.runnableLocked(bk, idx, ch) {
				continue
			}
			todo = append(todo, pendingSlice{ch: ch, size: bk.chanSize(idx), fn: c.handlers[ch]})
		}
	}
	c.sect.Leave()

	for _, p := range todo {
		c.slices.Inc()
		done := p.fn(p.ch, p.size)
		if done {
			c.finishChannel(p.ch)
		}
	}

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	for b := range c.banks {
		bk := &c.banks[b]
		if bk.command&commandDisable != 0 {
			continue
		}
		for idx := 0; idx < 4; idx++ {
			if c.runnableLocked(bk, idx, b<<2|idx) {
				return true
			}
		}
	}
	return false
}

func (c *Controller) runnableLocked(bk *bank, idx, ch int) bool {
	if c.handlers[ch] == nil || bk.mode[idx]&modeOpMask == modeOpCascade {
		return false
	}
	return bk.status&(1<<(4+idx)) != 0 && bk.mask&(1<<idx) == 0
}

// finishChannel latches terminal count: the request drops, the status TC bit
// sets, and the channel either reloads (auto-init) or masks itself.
func (c *Controller) finishChannel(ch int) {
	c.tcs.Inc()

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	bk, idx := &c.banks[ch>>2], ch&3
	bk.status |= 1 << idx
	bk.status &^= 1 << (4 + idx)
	if bk.mode[idx]&modeAutoInit != 0 {
		bk.curAddr[idx] = bk.baseAddr[idx]
		bk.curCount[idx] = bk.baseCount[idx]
	} else {
		bk.mask |= 1 << idx
	}
}

// ReadMemory copies up to len(buf) bytes of the channel's block, starting at
// off bytes into it, from guest memory into buf. The count is clamped at
// terminal count; decrement-mode blocks run backwards through memory.
func (c *Controller) ReadMemory(ch int, buf []byte, off uint32) (int, error) {
	addr, n, decr, _, err := c.spanFor(ch, len(buf), off)
	if err != nil || n == 0 {
		return 0, err
	}

	if _, err := c.mem.ReadAt(buf[:n], int64(addr)); err != nil {
		return 0, fmt.Errorf("dma: channel %d read at 0x%x: %w", ch, addr, err)
	}
	if decr {
		reverse(buf[:n])
	}
	return n, nil
}

// WriteMemory copies up to len(buf) bytes from buf into the channel's block
// at off. Verify-mode transfers report success without touching memory.
func (c *Controller) WriteMemory(ch int, buf []byte, off uint32) (int, error) {
	addr, n, decr, verify, err := c.spanFor(ch, len(buf), off)
	if err != nil || n == 0 {
		return 0, err
	}
	if verify {
		return n, nil
	}

	src := buf[:n]
	if decr {
		src = append([]byte(nil), src...)
		reverse(src)
	}
	if _, err := c.mem.WriteAt(src, int64(addr)); err != nil {
		return 0, fmt.Errorf("dma: channel %d write at 0x%x: %w", ch, addr, err)
	}
	return n, nil
}

// spanFor resolves one memory span of a channel's block: the guest address
// to touch, the clamped length, and the direction and verify flags.
func (c *Controller) spanFor(ch, bufLen int, off uint32) (addr uint64, n int, decr, verify bool, err error) {
	if ch < 0 || ch >= ChannelCount || ch == CascadeChannel {
		return 0, 0, false, false, fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}

	_ = c.sect.Enter(nil)
	defer c.sect.Leave()
	bk, idx := &c.banks[ch>>2], ch&3

	size := bk.chanSize(idx)
	if off >= size {
		return 0, 0, false, false, nil
	}
	n = bufLen
	if rest := size - off; uint32(n) > rest {
		n = int(rest)
	}

	base := bk.chanAddr(idx)
	decr = bk.mode[idx]&modeDecrement != 0
	verify = bk.mode[idx]&modeTypeMask == 0
	if decr {
		addr = base - uint64(off) - uint64(n) + 1
	} else {
		addr = base + uint64(off)
	}
	return addr, n, decr, verify, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// RegisterStats attaches the controller counters under prefix.
func (c *Controller) RegisterStats(reg *stats.Registry, prefix string) error {
	pairs := []struct {
		name string
		c    *stats.Counter
	}{
		{"/runs", &c.runs},
		{"/slices", &c.slices},
		{"/terminal-counts", &c.tcs},
	}
	for _, p := range pairs {
		if err := reg.Register(prefix+p.name, p.c); err != nil {
			return err
		}
	}
	return nil
}
