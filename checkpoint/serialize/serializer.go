// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package serialize

import "encoding/binary"

// RegSource is the minimal read surface the serializer needs from a
// hart; checkpoint.HartState satisfies it (kept separate here so this
// package has no import-cycle dependency on the checkpoint package).
type RegSource interface {
	GPR(i int) uint64
	FPR(i int) uint64
	VLen() int
	VReg(i int) uint64
	ReadCSR(idx int) (val uint64, ok bool)
	PC() uint64
	Priv() uint8
}

// ClintSource supplies the per-hart mtime/mtimecmp values written into
// the slice.
type ClintSource interface {
	ReadMtime() uint64
	ReadMtimecmp(hart int) uint64
}

func putU64(buf []byte, offset uint64, v uint64) {
	binary.LittleEndian.PutUint64(buf[offset:offset+8], v)
}

// SerializeHart walks one hart's architectural state into its 1 MiB
// slice of the hardware-status buffer, applying the restart-
// correctness policy overrides (§4.3). hartIndex addresses the
// per-hart mtimecmp slot; allCpuNum selects the single-hart mie
// override.
func SerializeHart(slice []byte, hartIndex int, state RegSource, clint ClintSource, allCpuNum int) {
	l := DefaultMemLayout

	for i := 0; i < 32; i++ {
		putU64(slice, l.IntRegAddr+uint64(i)*8, state.GPR(i))
	}
	for i := 0; i < 32; i++ {
		putU64(slice, l.FloatRegAddr+uint64(i)*8, state.FPR(i))
	}

	vlen := state.VLen()
	for i := 0; i < VectorLanes(vlen); i++ {
		putU64(slice, VectorRegAddr+uint64(i)*8, state.VReg(i))
	}

	for i := 0; i < CSRTableSize; i++ {
		if val, ok := state.ReadCSR(i); ok {
			putU64(slice, l.CsrRegAddr+uint64(i)*8, val)
		}
	}

	mstatus, _ := state.ReadCSR(CSRMstatus)
	mie := (mstatus >> mstatusMIEBit) & 1
	mstatus = setBit(mstatus, mstatusMPIEBit, mie == 1)
	mstatus &^= 1 << mstatusMIEBit
	mstatus = setField2(mstatus, mstatusMPPLow, uint64(state.Priv()))
	putU64(slice, l.CsrRegAddr+CSRMstatus*8, mstatus)

	mieVal, _ := state.ReadCSR(CSRMie)
	if allCpuNum == 1 {
		mieVal &^= 1 << mieSTIEBit
		mieVal &^= 1 << mieUTIEBit
	}
	putU64(slice, l.CsrRegAddr+CSRMie*8, mieVal)

	mepc := state.PC()
	putU64(slice, l.CsrRegAddr+CSRMepc*8, mepc)

	putU64(slice, l.PCAddr, state.PC())
	putU64(slice, l.ModeAddr, uint64(state.Priv()))

	putU64(slice, l.MtimeCmpAddr+uint64(hartIndex)*8, clint.ReadMtimecmp(hartIndex))
	putU64(slice, l.MtimeAddr, clint.ReadMtime())

	putU64(slice, l.BootFlagAddr, CptMagic)
	putU64(slice, CsrReserve, uint64(allCpuNum))
}

func setBit(v uint64, bit uint, set bool) uint64 {
	if set {
		return v | (1 << bit)
	}
	return v &^ (1 << bit)
}

// setField2 sets a 2-bit field (e.g. MPP) starting at lowBit.
func setField2(v uint64, lowBit uint, val uint64) uint64 {
	mask := uint64(0x3) << lowBit
	return (v &^ mask) | ((val & 0x3) << lowBit)
}
