package playground

import (
	"context"

	"github.com/tinyrange/vdm/internal/devmgr"
)

// factorial saturates above 20!, the largest value that fits in 64 bits.
func factorial(n uint32) uint64 {
	if n > 20 {
		return ^uint64(0)
	}
	r := uint64(1)
	for i := uint64(2); i <= uint64(n); i++ {
		r *= i
	}
	return r
}

// runWorker drains the job queue: pop under the section, compute outside it,
// then fold the result into the sum and raise the completion event.
func (d *Device) runWorker(ctx context.Context, t *devmgr.Thread) error {
	sect := d.help.Section()
	for {
		if err := t.Sleeping(ctx); err != nil {
			return nil
		}
		select {
		case <-d.workCh:
		case <-ctx.Done():
			return nil
		}
		for {
			sect.Enter(nil)
			if d.qcount == 0 {
				sect.Leave()
				break
			}
			item := d.queue[d.qhead]
			d.qhead = (d.qhead + 1) % queueDepth
			d.qcount--
			sect.Leave()

			result := factorial(item & 0x1f)

			sect.Enter(nil)
			d.workSum += result
			d.workDone.Inc()
			d.raiseLocked(statusWork)
			sect.Leave()
		}
	}
}

// dmaSlice services the ISA channel when the controller pumps it. It runs
// without the controller lock, so taking the instance section here is safe.
// One doorbell moves one slice; the block is expected to fit the buffer.
func (d *Device) dmaSlice(ch int, size uint32) bool {
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()

	off := d.dmaBufOff
	n := uint32(bufferSize) - off
	if n > size {
		n = size
	}
	if n == 0 {
		return true
	}

	var (
		moved int
		err   error
	)
	if d.dmaCtl&dmaCtlToGuest != 0 {
		moved, err = d.help.DMAWrite(ch, d.buf[off:off+n], 0)
	} else {
		moved, err = d.help.DMARead(ch, d.buf[off:off+n], 0)
	}
	if err != nil {
		d.help.Logger().Warn("playground dma slice failed", "channel", ch, "err", err)
		return true
	}

	d.dmaMoved = uint32(moved)
	d.dmaBufOff = (off + uint32(moved)) & (bufferSize - 1)
	d.dmaBytes.Add(uint64(moved))
	if d.dmaCtl&dmaCtlIRQ != 0 {
		d.raiseLocked(statusDMA)
	}
	return true
}
