package iobus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testOwner struct {
	name string
	sect *critsect.Section
}

func newOwner(name string) *testOwner {
	return &testOwner{name: name, sect: critsect.New(name)}
}

func (o *testOwner) DeviceName() string { return o.name }

func (o *testOwner) Section() *critsect.Section { return o.sect }

// recorder remembers the last access for assertions.
type recorder struct {
	lastOffset uint64
	lastSize   int
	lastValue  uint64
	writes     int
	reads      int
}

func (r *recorder) portHandler() PortFuncs {
	return PortFuncs{
		In: func(_ hv.ExecutionContext, offset uint16, size uint8) (uint64, error) {
			r.reads++
			r.lastOffset = uint64(offset)
			r.lastSize = int(size)
			return 0x11 * uint64(offset+1), nil
		},
		Out: func(_ hv.ExecutionContext, offset uint16, size uint8, value uint64) error {
			r.writes++
			r.lastOffset = uint64(offset)
			r.lastSize = int(size)
			r.lastValue = value
			return nil
		},
	}
}

func (r *recorder) mmioHandler() MMIOFuncs {
	return MMIOFuncs{
		Read: func(_ hv.ExecutionContext, offset uint64, data []byte) error {
			r.reads++
			r.lastOffset = offset
			r.lastSize = len(data)
			for i := range data {
				data[i] = byte(offset) + byte(i)
			}
			return nil
		},
		Write: func(_ hv.ExecutionContext, offset uint64, data []byte) error {
			r.writes++
			r.lastOffset = offset
			r.lastSize = len(data)
			return nil
		},
	}
}

func TestFourPortRegionDispatch(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("quad")
	rec := &recorder{}

	h, err := tbl.NewPortRegion(owner, 4, rec.portHandler(), WithName("quad-ports"))
	require.NoError(t, err)
	require.NoError(t, tbl.MapPort(h, 0x300))

	for off := uint16(0); off < 4; off++ {
		v, err := tbl.PortIn(hv.ContextUser, 0x300+off, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(0x11)*uint64(off+1), v)
		require.Equal(t, uint64(off), rec.lastOffset)
	}

	_, err = tbl.PortIn(hv.ContextUser, 0x304, 1)
	require.ErrorIs(t, err, ErrNotHandled)
	_, err = tbl.PortIn(hv.ContextUser, 0x2ff, 1)
	require.ErrorIs(t, err, ErrNotHandled)

	require.NoError(t, tbl.Unmap(h))
	_, err = tbl.PortIn(hv.ContextUser, 0x300, 1)
	require.ErrorIs(t, err, ErrNotHandled)
}

func TestHandleStaysValidAcrossRemap(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("movable")
	rec := &recorder{}

	h, err := tbl.NewPortRegion(owner, 2, rec.portHandler(), WithName("movable"))
	require.NoError(t, err)

	_, mapped := tbl.MappingAddress(h)
	require.False(t, mapped)

	require.NoError(t, tbl.MapPort(h, 0x300))
	base, mapped := tbl.MappingAddress(h)
	require.True(t, mapped)
	require.Equal(t, uint64(0x300), base)

	require.NoError(t, tbl.Unmap(h))
	_, mapped = tbl.MappingAddress(h)
	require.False(t, mapped)

	// Same handle, new address.
	require.NoError(t, tbl.MapPort(h, 0x3f0))
	base, mapped = tbl.MappingAddress(h)
	require.True(t, mapped)
	require.Equal(t, uint64(0x3f0), base)

	_, err = tbl.PortIn(hv.ContextUser, 0x3f1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.lastOffset)
}

func TestMMIODispatchAndBounds(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("frame")
	rec := &recorder{}

	h, err := tbl.NewMMIORegion(owner, 0x1000, rec.mmioHandler(), WithName("frame"))
	require.NoError(t, err)
	require.NoError(t, tbl.MapMMIO(h, 0xd000_0000))

	buf := make([]byte, 4)
	require.NoError(t, tbl.MMIORead(hv.ContextUser, 0xd000_0010, buf))
	require.Equal(t, uint64(0x10), rec.lastOffset)
	require.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, buf)

	require.NoError(t, tbl.MMIOWrite(hv.ContextUser, 0xd000_0ffc, buf))
	require.Equal(t, uint64(0xffc), rec.lastOffset)

	// Straddling the end of the region is not handled.
	err = tbl.MMIORead(hv.ContextUser, 0xd000_0ffe, buf)
	require.ErrorIs(t, err, ErrNotHandled)

	// Below and above the mapping.
	require.ErrorIs(t, tbl.MMIORead(hv.ContextUser, 0xcfff_fffc, buf), ErrNotHandled)
	require.ErrorIs(t, tbl.MMIORead(hv.ContextUser, 0xd000_1000, buf), ErrNotHandled)

	require.NoError(t, tbl.Unmap(h))
	require.ErrorIs(t, tbl.MMIORead(hv.ContextUser, 0xd000_0010, buf), ErrNotHandled)
}

// fillRecorder takes the filler fast path and logs what it gets.
type fillRecorder struct {
	MMIOFuncs
	fills  int
	offset uint64
	value  uint64
	size   uint8
	count  uint32
}

func (f *fillRecorder) MMIOFill(_ hv.ExecutionContext, offset uint64, value uint64, size uint8, count uint32) error {
	f.fills++
	f.offset, f.value, f.size, f.count = offset, value, size, count
	return nil
}

func TestMMIOFillFastPathAndReplay(t *testing.T) {
	tbl := New(nil)

	fast := &fillRecorder{}
	fh, err := tbl.NewMMIORegion(newOwner("fast"), 0x100, fast, WithName("fill-fast"))
	require.NoError(t, err)
	require.NoError(t, tbl.MapMMIO(fh, 0xd000_0000))

	require.NoError(t, tbl.MMIOFill(hv.ContextUser, 0xd000_0040, 0xa1b2c3d4, 4, 8))
	require.Equal(t, 1, fast.fills)
	require.Equal(t, uint64(0x40), fast.offset)
	require.Equal(t, uint64(0xa1b2c3d4), fast.value)
	require.Equal(t, uint8(4), fast.size)
	require.Equal(t, uint32(8), fast.count)

	// A plain handler sees the run as little-endian single writes.
	var offs []uint64
	var last []byte
	sh, err := tbl.NewMMIORegion(newOwner("slow"), 0x100, MMIOFuncs{
		Write: func(_ hv.ExecutionContext, offset uint64, data []byte) error {
			offs = append(offs, offset)
			last = append([]byte(nil), data...)
			return nil
		},
	}, WithName("fill-slow"))
	require.NoError(t, err)
	require.NoError(t, tbl.MapMMIO(sh, 0xd100_0000))

	require.NoError(t, tbl.MMIOFill(hv.ContextUser, 0xd100_0010, 0xbeef, 2, 3))
	require.Equal(t, []uint64{0x10, 0x12, 0x14}, offs)
	require.Equal(t, []byte{0xef, 0xbe}, last)

	// Zero count is a no-op; a run past the region end is not handled.
	require.NoError(t, tbl.MMIOFill(hv.ContextUser, 0xd100_0010, 0, 2, 0))
	require.Len(t, offs, 3)
	require.ErrorIs(t, tbl.MMIOFill(hv.ContextUser, 0xd100_00fe, 0, 2, 2), ErrNotHandled)

	// User-only regions defer hot-path fills like any other access.
	require.ErrorIs(t, tbl.MMIOFill(hv.ContextHot, 0xd000_0040, 0, 4, 1), ErrDeferred)
}

func TestOverlappingMappingsRejected(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("overlap")
	rec := &recorder{}

	a, err := tbl.NewPortRegion(owner, 8, rec.portHandler())
	require.NoError(t, err)
	b, err := tbl.NewPortRegion(owner, 8, rec.portHandler())
	require.NoError(t, err)

	require.NoError(t, tbl.MapPort(a, 0x100))
	require.Error(t, tbl.MapPort(b, 0x104))
	require.NoError(t, tbl.MapPort(b, 0x108))

	m1, err := tbl.NewMMIORegion(owner, 0x1000, rec.mmioHandler())
	require.NoError(t, err)
	m2, err := tbl.NewMMIORegion(owner, 0x1000, rec.mmioHandler())
	require.NoError(t, err)

	require.NoError(t, tbl.MapMMIO(m1, 0xe000_0000))
	require.Error(t, tbl.MapMMIO(m2, 0xe000_0800))
	require.NoError(t, tbl.MapMMIO(m2, 0xe000_1000))
}

func TestHotPathDeferral(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("cold")
	rec := &recorder{}

	h, err := tbl.NewPortRegion(owner, 1, rec.portHandler())
	require.NoError(t, err)
	require.NoError(t, tbl.MapPort(h, 0x80))

	// User-only region: the hot path must defer, the user path succeeds.
	_, err = tbl.PortIn(hv.ContextHot, 0x80, 1)
	require.ErrorIs(t, err, ErrDeferred)
	_, err = tbl.PortIn(hv.ContextUser, 0x80, 1)
	require.NoError(t, err)

	hotOwner := newOwner("hot")
	hh, err := tbl.NewPortRegion(hotOwner, 1, rec.portHandler(), WithHotContext())
	require.NoError(t, err)
	require.NoError(t, tbl.MapPort(hh, 0x81))

	_, err = tbl.PortIn(hv.ContextHot, 0x81, 1)
	require.NoError(t, err)

	// A contended section defers the hot path instead of blocking it.
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = hotOwner.sect.Enter(nil)
		close(held)
		<-release
		hotOwner.sect.Leave()
	}()
	<-held
	_, err = tbl.PortIn(hv.ContextHot, 0x81, 1)
	require.ErrorIs(t, err, ErrDeferred)
	close(release)
}

func TestHandlerRunsUnderOwnerSection(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("locked")

	var sawOwned bool
	h, err := tbl.NewPortRegion(owner, 1, PortFuncs{
		In: func(hv.ExecutionContext, uint16, uint8) (uint64, error) {
			sawOwned = owner.sect.IsOwner()
			return 0, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, tbl.MapPort(h, 0x60))

	_, err = tbl.PortIn(hv.ContextUser, 0x60, 1)
	require.NoError(t, err)
	require.True(t, sawOwned)
	require.False(t, owner.sect.IsOwner())
}

func TestHandlerDeclineFallsThrough(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("decline")

	h, err := tbl.NewPortRegion(owner, 1, PortFuncs{})
	require.NoError(t, err)
	require.NoError(t, tbl.MapPort(h, 0x92))

	_, err = tbl.PortIn(hv.ContextUser, 0x92, 1)
	require.ErrorIs(t, err, ErrNotHandled)
	require.ErrorIs(t, tbl.PortOut(hv.ContextUser, 0x92, 1, 0), ErrNotHandled)
}

func TestBadArguments(t *testing.T) {
	tbl := New(nil)
	owner := newOwner("bad")
	rec := &recorder{}

	_, err := tbl.NewPortRegion(owner, 0, rec.portHandler())
	require.Error(t, err)
	_, err = tbl.NewPortRegion(owner, 1, nil)
	require.Error(t, err)

	require.ErrorIs(t, tbl.MapPort(Handle(99), 0x100), ErrBadHandle)
	_, mapped := tbl.MappingAddress(Handle(99))
	require.False(t, mapped)

	h, err := tbl.NewPortRegion(owner, 4, rec.portHandler())
	require.NoError(t, err)
	require.Error(t, tbl.MapPort(h, 0xfffe), "region must fit the port space")

	_, err = tbl.PortIn(hv.ContextUser, 0x100, 3)
	require.Error(t, err)
}
