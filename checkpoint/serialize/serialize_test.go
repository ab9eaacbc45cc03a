// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the header/layout framing and register serializer.

package serialize

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

type fakeReg struct {
	gpr  [32]uint64
	fpr  [32]uint64
	vreg []uint64
	vlen int
	csr  map[int]uint64
	pc   uint64
	priv uint8
}

func (f *fakeReg) GPR(i int) uint64 { return f.gpr[i] }
func (f *fakeReg) FPR(i int) uint64 { return f.fpr[i] }
func (f *fakeReg) VLen() int        { return f.vlen }
func (f *fakeReg) VReg(i int) uint64 {
	if i < len(f.vreg) {
		return f.vreg[i]
	}
	return 0
}
func (f *fakeReg) ReadCSR(idx int) (uint64, bool) {
	v, ok := f.csr[idx]
	return v, ok
}
func (f *fakeReg) PC() uint64  { return f.pc }
func (f *fakeReg) Priv() uint8 { return f.priv }

type fakeClint struct {
	mtime    uint64
	mtimecmp map[int]uint64
}

func (c *fakeClint) ReadMtime() uint64            { return c.mtime }
func (c *fakeClint) ReadMtimecmp(h int) uint64 { return c.mtimecmp[h] }

func TestHeaderAndLayoutRoundTrip(t *testing.T) {
	h := Header{Magic: HeaderMagic, CPUNum: 4, SingleCoreSize: SliceSize, Version: FormatVersion}
	framed := EncodeHeaderAndLayout(h, DefaultMemLayout)

	gotH, gotL, err := DecodeHeaderAndLayout(framed)
	if err != nil {
		t.Fatalf("DecodeHeaderAndLayout: %v", err)
	}
	if gotH.Magic != h.Magic || gotH.CPUNum != h.CPUNum || gotH.SingleCoreSize != h.SingleCoreSize || gotH.Version != h.Version {
		t.Errorf("decoded header = %+v, want magic/cpus/size/version to match %+v", gotH, h)
	}
	if gotH.CptOffset == 0 {
		t.Errorf("CptOffset should be the total framed length, got 0")
	}
	if gotH.CptOffset != uint64(len(framed)) {
		t.Errorf("CptOffset = %d, want %d (total framed length)", gotH.CptOffset, len(framed))
	}
	if gotL != DefaultMemLayout {
		t.Errorf("decoded layout = %+v, want %+v", gotL, DefaultMemLayout)
	}

	// Re-encoding the decoded structure must be byte-identical (§8).
	reframed := EncodeHeaderAndLayout(gotH, gotL)
	if !bytes.Equal(reframed, framed) {
		t.Errorf("re-encoding decoded header/layout is not byte-identical")
	}
}

func TestSerializeHartAppliesRestartOverrides(t *testing.T) {
	reg := &fakeReg{
		pc:   0x80100000,
		priv: 3, // M-mode
		csr: map[int]uint64{
			CSRMstatus: 1 << mstatusMIEBit, // MIE set, MPIE clear
			CSRMie:     (1 << mieSTIEBit) | (1 << mieUTIEBit),
		},
	}
	clint := &fakeClint{mtime: 42, mtimecmp: map[int]uint64{0: 99}}

	slice := make([]byte, SliceSize)
	SerializeHart(slice, 0, reg, clint, 1 /* single hart */)

	l := DefaultMemLayout
	mstatus := leU64(slice, l.CsrRegAddr+CSRMstatus*8)
	if mstatus&(1<<mstatusMIEBit) != 0 {
		t.Errorf("mstatus.MIE should be cleared, got %#x", mstatus)
	}
	if mstatus&(1<<mstatusMPIEBit) == 0 {
		t.Errorf("mstatus.MPIE should be set from the old MIE value, got %#x", mstatus)
	}

	mie := leU64(slice, l.CsrRegAddr+CSRMie*8)
	if mie&(1<<mieSTIEBit) != 0 || mie&(1<<mieUTIEBit) != 0 {
		t.Errorf("single-hart serialization must clear STIE/UTIE, got %#x", mie)
	}

	if got := leU64(slice, l.BootFlagAddr); got != CptMagic {
		t.Errorf("boot flag = %#x, want %#x", got, CptMagic)
	}
	if got := leU64(slice, l.PCAddr); got != reg.pc {
		t.Errorf("pc slot = %#x, want %#x", got, reg.pc)
	}
}

func leU64(buf []byte, offset uint64) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[offset+uint64(i)]) << (8 * i)
	}
	return v
}

func TestWriteCheckpointCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "_1000000_.gz")

	w := NewWriter()
	if err := w.WriteCheckpoint(path, []byte("control"), []byte("guestmem")); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected output file to exist: %v", err)
	}
}
