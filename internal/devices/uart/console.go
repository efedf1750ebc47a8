package uart

import (
	"context"
	"io"

	"github.com/tinyrange/vdm/internal/devmgr"
)

// AttachConsole connects the port to an embedder console. out receives
// transmitted bytes and in feeds the receiver; either may be nil. The reader
// must block until input arrives; a Read that returns 0 bytes detaches it
// until the next AttachConsole call.
func (d *Device) AttachConsole(out io.Writer, in io.Reader) {
	sect := d.help.Section()
	sect.Enter(nil)
	d.out = out
	d.in = in
	sect.Leave()
	select {
	case d.attachCh <- struct{}{}:
	default:
	}
}

// Input injects bytes into the receiver directly, bypassing any attached
// reader. It returns the number of bytes accepted before the FIFO filled;
// unlike wire input, rejected bytes do not raise an overrun.
func (d *Device) Input(p []byte) int {
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	accepted := 0
	for _, b := range p {
		if d.rxFull() {
			break
		}
		d.receiveByte(b)
		accepted++
	}
	return accepted
}

// runTX drains the transmit FIFO to the console writer. The copy out of the
// FIFO and the newline fold happen under the section; the possibly blocking
// console write does not.
func (d *Device) runTX(ctx context.Context, t *devmgr.Thread) error {
	sect := d.help.Section()
	var raw, folded [fifoSize]byte
	for {
		if err := t.Sleeping(ctx); err != nil {
			return nil
		}
		select {
		case <-d.txCh:
		case <-ctx.Done():
			return nil
		}
		for {
			sect.Enter(nil)
			n := d.tx.popInto(raw[:])
			out := d.out
			var m int
			if n > 0 {
				m = d.foldNewlines(raw[:n], folded[:])
				d.lsr |= lsrTHRE
			} else {
				d.lsr |= lsrTHRE | lsrTEMT
			}
			d.updateInterrupts()
			sect.Leave()
			if n == 0 {
				break
			}
			if out != nil && m > 0 {
				_, _ = out.Write(folded[:m])
			}
			d.txBytes.Add(uint64(n))
		}
	}
}

// foldNewlines applies the console newline discipline: CR becomes NL and an
// LF directly following a CR is dropped. Called under the section because
// skipLF spans drain batches.
func (d *Device) foldNewlines(in, out []byte) int {
	n := 0
	for _, b := range in {
		switch b {
		case '\r':
			out[n] = '\n'
			n++
			d.skipLF = true
		case '\n':
			if d.skipLF {
				d.skipLF = false
				continue
			}
			out[n] = '\n'
			n++
		default:
			d.skipLF = false
			out[n] = b
			n++
		}
	}
	return n
}

// runRX pumps console input into the receive FIFO. The blocking Read happens
// outside the section; a reader that reports an error or returns no data is
// detached and the thread parks until a new console arrives.
func (d *Device) runRX(ctx context.Context, t *devmgr.Thread) error {
	sect := d.help.Section()
	buf := make([]byte, 64)
	for {
		if err := t.Sleeping(ctx); err != nil {
			return nil
		}
		sect.Enter(nil)
		in := d.in
		sect.Leave()
		if in == nil {
			select {
			case <-d.attachCh:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		n, err := in.Read(buf)
		if n > 0 {
			sect.Enter(nil)
			for _, b := range buf[:n] {
				d.receiveByte(b)
			}
			sect.Leave()
		}
		if err != nil || n == 0 {
			sect.Enter(nil)
			if d.in == in {
				d.in = nil
			}
			sect.Leave()
		}
	}
}
