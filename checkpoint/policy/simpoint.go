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

package policy

// Simpoint drives checkpoints off a pre-loaded, ascending-order
// schedule of instruction locations (§4.4 row "SimpointCheckpoint").
// Each entry is consumed front-to-back regardless of its weight; a
// zero-weight entry is not special-cased, it is taken and popped like
// any other. Exhausting the schedule is not an error (§7,
// ErrScheduleExhausted): it requests a clean engine shutdown instead.
type Simpoint struct {
	CptInterval  uint64
	SyncInterval uint64
}

// GetCptLimit returns the head of the simpoint list scaled by
// CptInterval (§4.4: "head of simpoint list × cpt_interval"); the raw
// value stored in the schedule is a simpoint multiplier, not an
// absolute instruction count.
func (s *Simpoint) GetCptLimit(ctx Context) uint64 {
	loc, _, ok := ctx.SimpointFront()
	if !ok {
		return 0
	}
	return loc * s.CptInterval
}

func (s *Simpoint) GetSyncLimit(ctx Context, hart int) uint64 {
	if s.SyncInterval != 0 {
		return s.SyncInterval
	}
	return s.CptInterval
}

// TryTakeCpt first drains any zero-location entries at the schedule's
// head: §3's "a zero entry at the head is interpreted as 'skip and
// advance'" means such an entry never produces a checkpoint, so it
// must be popped here rather than left for AfterTakeCpt, which only
// runs once a real checkpoint commits.
func (s *Simpoint) TryTakeCpt(ctx Context, hart int) bool {
	for {
		loc, _, ok := ctx.SimpointFront()
		if !ok {
			ctx.RequestExit()
			return false
		}
		if loc != 0 {
			break
		}
		ctx.SimpointPop()
	}
	return defaultTryTakeCpt(ctx, s, hart)
}

// AfterTakeCpt pops the schedule entry that was just honored. When the
// schedule is left empty, the engine is asked to exit at the next
// barrier boundary rather than spin forever with nothing left to take.
func (s *Simpoint) AfterTakeCpt(ctx Context, hart int) {
	if _, _, _, ok := ctx.SimpointPop(); !ok {
		return
	}
	if _, _, ok := ctx.SimpointFront(); !ok {
		ctx.RequestExit()
	}
}

func (s *Simpoint) UpdateCptLimit(ctx Context) {}

func (s *Simpoint) UpdateSyncLimit(ctx Context) {}

func (s *Simpoint) TrySetMIE(ctx Context, hart int, state MIESetter) {
	trySetMIESingleHart(ctx, state)
}
