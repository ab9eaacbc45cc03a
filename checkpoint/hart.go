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

package checkpoint

import "sync/atomic"

// hart is the engine's per-guest-CPU bookkeeping record (§3). index is
// this hart's position in Engine.harts and in every per-hart array
// (mtimecmp, waiting flags, CPI cache); state is the host emulator's
// view onto the hart's architectural registers.
type hart struct {
	index int
	state HartState

	// online is cleared once the hart reports it will never call back
	// into the engine again (guest shutdown of that CPU). exited is
	// set by the barrier when the hart makes its final, exiting
	// arrival (Engine.Exit). Both are accessed from the hart's own goroutine and
	// read by the barrier leader, hence atomic.
	online int32
	exited int32

	// profilingInsns is this hart's total retired instruction count
	// since workload start, advanced only by the owning hart's
	// goroutine. kernelInsns is the instruction count to subtract
	// before comparing against a policy limit (§4.4: "profiling_insns
	// - kernel_insns"), used to exclude a configured warmup region.
	profilingInsns uint64
	kernelInsns    uint64

	// lastSeenInsns is a snapshot of profilingInsns taken at this
	// hart's last successful barrier sync (§3), written only by the
	// barrier leader once a round completes. The invariant
	// kernelInsns <= lastSeenInsns <= profilingInsns must hold at
	// every barrier entry (§8).
	lastSeenInsns uint64
}

func newHart(index int, state HartState) *hart {
	return &hart{index: index, state: state, online: 1, kernelInsns: 0}
}

func (h *hart) setOnline(online bool) {
	v := int32(0)
	if online {
		v = 1
	}
	atomic.StoreInt32(&h.online, v)
}

func (h *hart) isOnline() bool { return atomic.LoadInt32(&h.online) != 0 }

func (h *hart) setExited() { atomic.StoreInt32(&h.exited, 1) }

func (h *hart) hasExited() bool { return atomic.LoadInt32(&h.exited) != 0 }

// AddInsns records n newly retired instructions; called from the
// hart's own goroutine on every post-block callback, never
// concurrently with itself.
func (h *hart) AddInsns(n uint64) { atomic.AddUint64(&h.profilingInsns, n) }

func (h *hart) ProfilingInsns() uint64 { return atomic.LoadUint64(&h.profilingInsns) }

func (h *hart) KernelInsns() uint64 { return atomic.LoadUint64(&h.kernelInsns) }

func (h *hart) LastSeenInsns() uint64 { return atomic.LoadUint64(&h.lastSeenInsns) }

// recordSync snapshots profilingInsns into lastSeenInsns; called by
// the barrier leader once a round this hart took part in has
// completed.
func (h *hart) recordSync() {
	atomic.StoreUint64(&h.lastSeenInsns, atomic.LoadUint64(&h.profilingInsns))
}

// SetWarmup fixes the kernel-instruction deduction once, at the first
// instruction past the configured warmup-interval boundary.
func (h *hart) SetWarmup(n uint64) { atomic.StoreUint64(&h.kernelInsns, n) }

func (h *hart) Halted() bool { return h.state.Halted() }
