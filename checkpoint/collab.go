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

// Package checkpoint implements the instruction-driven, multi-hart
// checkpointing coordinator: the barrier that synchronizes harts to a
// common instruction frontier, the policy layer that decides when a
// checkpoint is due, and the glue that drives serialization.
//
// The engine never touches guest execution, address translation or
// device emulation itself — those live in the host emulator and are
// exposed to the engine only through the collaborator interfaces in
// this file.
package checkpoint

// HartState is a read-mostly view onto one guest hart's architectural
// register file, supplied by the host emulator. All reads must be
// side-effect free. SetMIE is the one permitted write, used by the
// policy layer to suppress timer interrupts around a checkpoint.
type HartState interface {
	// GPR returns general-purpose register i (0-31).
	GPR(i int) uint64
	// FPR returns floating-point register i (0-31).
	FPR(i int) uint64
	// VLen returns the configured vector register length in bits, or
	// 0 if the hart has no V extension.
	VLen() int
	// VReg returns 64-bit vector lane i; valid for i < 32*VLen()/64.
	VReg(i int) uint64
	// ReadCSR performs a side-effect-free architectural read of CSR
	// idx (0-4095). ok is false if the CSR has no read accessor.
	ReadCSR(idx int) (val uint64, ok bool)
	// PC returns the current program counter.
	PC() uint64
	// Priv returns the current privilege mode.
	Priv() uint8
	// Halted reports whether the hart is parked in WFI. Implementations
	// must use acquire semantics: the barrier reads this concurrently
	// with the owning hart's execution thread.
	Halted() bool
	// SetMIE clears bits in the live mie CSR (used only by try_set_mie).
	SetMIE(clearMask uint64)
}

// ClintView is a read-only view of the platform CLINT timer MMIO. The
// engine's per-round mtime snapshot is taken by reading ReadMtime; the
// view itself offers no write.
type ClintView interface {
	ReadMtime() uint64
	ReadMtimecmp(hart int) uint64
}

// MemoryView copies the guest physical RAM image for serialization.
type MemoryView interface {
	// CopyGuestMem copies the full guest RAM image into dst, which is
	// sized by GuestMemLen. Returns the number of bytes copied.
	CopyGuestMem(dst []byte) (int, error)
	GuestMemLen() int
}

// Shutdowner requests cooperative machine shutdown; this is QMP-quit
// semantics, never a non-zero process exit from the engine itself.
type Shutdowner interface {
	RequestShutdown(cause string)
}
