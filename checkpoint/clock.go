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

// clockSource is the Clock & Counter Source component (§4.6): a thin,
// read-mostly view over the platform CLINT plus the one write the
// barrier leader performs once per round — snapshotting mtime while
// every hart's ticks are frozen, so every serialized hart sees the
// same wall-clock instant regardless of which hart the leader happens
// to be.
type clockSource struct {
	clint ClintView

	// globalMtime is the leader's most recent snapshot, read by every
	// hart's SerializeHart call during the freeze window.
	globalMtime uint64
}

func newClockSource(clint ClintView) *clockSource {
	return &clockSource{clint: clint}
}

func (c *clockSource) ReadMtimecmp(hart int) uint64 { return c.clint.ReadMtimecmp(hart) }

// SnapshotMtime freezes the current mtime value for the in-progress
// checkpoint round; must only be called by the elected leader while
// every hart is parked at the barrier.
func (c *clockSource) SnapshotMtime() {
	atomic.StoreUint64(&c.globalMtime, c.clint.ReadMtime())
}

// ReadMtime returns the frozen snapshot, satisfying
// serialize.ClintSource so every hart's slice is stamped with the same
// instant.
func (c *clockSource) ReadMtime() uint64 { return atomic.LoadUint64(&c.globalMtime) }
