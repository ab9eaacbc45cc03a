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

import "sync/atomic"

// mieClearMask clears mie bits 5 and 7, the literal bit pair the
// checkpoint-taking policies force off on a single-hart run after each
// checkpoint is written, so a restored
// guest doesn't immediately re-trap on a timer/software interrupt that
// was pending only because the host paused it mid-instruction.
const mieClearMask = 1<<5 | 1<<7

// Uniform takes a checkpoint every CptInterval instructions, counted
// per-hart against a single shared frontier (§4.4 row "UniformCheckpoint").
type Uniform struct {
	CptInterval  uint64
	SyncInterval uint64

	// nextCptPoint is the shared absolute instruction-count frontier;
	// advanced and read (by TryTakeCpt) under the barrier's leader
	// section, on whichever hart leads the round, hence atomic rather
	// than a plain field.
	nextCptPoint uint64

	uniformSyncLimit uint64
}

func (u *Uniform) GetCptLimit(ctx Context) uint64 {
	return atomic.LoadUint64(&u.nextCptPoint)
}

func (u *Uniform) GetSyncLimit(ctx Context, hart int) uint64 {
	return u.uniformSyncLimit
}

func (u *Uniform) TryTakeCpt(ctx Context, hart int) bool {
	return defaultTryTakeCpt(ctx, u, hart)
}

func (u *Uniform) AfterTakeCpt(ctx Context, hart int) {}

// UpdateCptLimit advances the shared frontier by one interval; called
// once per barrier round by the elected leader after a checkpoint was
// actually taken.
func (u *Uniform) UpdateCptLimit(ctx Context) {
	atomic.AddUint64(&u.nextCptPoint, u.CptInterval)
}

func (u *Uniform) UpdateSyncLimit(ctx Context) {}

func (u *Uniform) TrySetMIE(ctx Context, hart int, state MIESetter) {
	trySetMIESingleHart(ctx, state)
}
