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

package main

import (
	"sync"
	"sync/atomic"

	"github.com/zybzzz/nemu-checkpoint/checkpoint"
)

// simHart is a minimal checkpoint.HartState standing in for a real
// guest CPU: its only behavior is advancing the program counter as if
// every retired instruction were a 4-byte non-branching opcode, which
// is enough for the engine's serializer to have something meaningful
// to write.
type simHart struct {
	mu   sync.Mutex
	pc   uint64
	gpr  [32]uint64
	csr  map[int]uint64
	priv uint8
}

func newSimHart() *simHart {
	return &simHart{
		csr:  map[int]uint64{0x300: 1 << 3}, // mstatus.MIE set, as if interrupts were live
		priv: 0,                             // U-mode
	}
}

func (s *simHart) advance(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pc += 4 * n
	s.gpr[1] += n // a1 tracks retired-instruction count, purely for visual inspection of a dump
}

func (s *simHart) GPR(i int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpr[i]
}

func (s *simHart) FPR(i int) uint64 { return 0 }

func (s *simHart) VLen() int { return 0 }

func (s *simHart) VReg(i int) uint64 { return 0 }

func (s *simHart) ReadCSR(idx int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.csr[idx]
	return v, ok
}

func (s *simHart) PC() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *simHart) Priv() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv
}

func (s *simHart) Halted() bool { return false }

func (s *simHart) SetMIE(clearMask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csr[0x304] &^= clearMask
}

var _ checkpoint.HartState = (*simHart)(nil)

// simClint is a free-running, monotonic fake CLINT: mtime advances
// once per Poll-style observation rather than wall-clock time, which
// is enough to give every checkpoint a distinct, increasing timestamp.
type simClint struct {
	mtime    uint64
	mtimecmp []uint64
}

func newSimClint(cpus uint) *simClint {
	return &simClint{mtimecmp: make([]uint64, cpus)}
}

func (c *simClint) ReadMtime() uint64 {
	return atomic.AddUint64(&c.mtime, 1)
}

func (c *simClint) ReadMtimecmp(hart int) uint64 {
	if hart < 0 || hart >= len(c.mtimecmp) {
		return 0
	}
	return c.mtimecmp[hart]
}

var _ checkpoint.ClintView = (*simClint)(nil)

// simMemory is a zero-filled guest RAM image of a fixed size, standing
// in for the host emulator's physical memory.
type simMemory struct {
	size int
}

func newSimMemory(size int) *simMemory { return &simMemory{size: size} }

func (m *simMemory) CopyGuestMem(dst []byte) (int, error) {
	return copy(dst, make([]byte, m.size)), nil
}

func (m *simMemory) GuestMemLen() int { return m.size }

var _ checkpoint.MemoryView = (*simMemory)(nil)

// simShutdowner records the engine's shutdown request instead of
// actually tearing down a machine, since there is no real machine
// behind this demo driver.
type simShutdowner struct {
	log *checkpoint.Logger

	mu          sync.Mutex
	shutdownHit bool
	shutdownFor string
}

func (s *simShutdowner) RequestShutdown(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownHit = true
	s.shutdownFor = cause
	s.log.Infof("shutdown requested: %s", cause)
}

func (s *simShutdowner) hit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownHit
}

func (s *simShutdowner) cause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownFor
}

var _ checkpoint.Shutdowner = (*simShutdowner)(nil)
