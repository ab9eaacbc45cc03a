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

// SyncUniform is Uniform's checkpoint cadence coupled to a detailed
// timing model over the named-pipe IPC channel (§4.4 row
// "SyncUniformCheckpoint"): the per-hart sync interval is scaled by
// the CPI the detailed model last reported for that hart, so a hart
// modeled as slower (higher CPI) gets a shorter instruction-count sync
// window and vice versa. GetSyncLimit uses the unscaled base interval
// when the context has no IPC channel; the engine itself replaces this
// policy with None when the channel cannot be opened or later fails.
type SyncUniform struct {
	CptInterval  uint64
	SyncInterval uint64

	nextCptPoint uint64
}

func (s *SyncUniform) GetCptLimit(ctx Context) uint64 {
	return atomic.LoadUint64(&s.nextCptPoint)
}

// GetSyncLimit divides the base sync interval by the hart's last
// reported CPI (§4.4: sync_interval / cpi[h]): a hart modeled as
// slower (CPI > 1) needs fewer instructions to burn the same number of
// modeled cycles, so it gets a shorter instruction-count sync window,
// keeping cycle-cadence roughly even across harts of differing
// modeled speed.
func (s *SyncUniform) GetSyncLimit(ctx Context, hart int) uint64 {
	base := s.SyncInterval
	if base == 0 {
		base = s.CptInterval
	}
	if ctx.IPC() == nil {
		return base
	}
	cpi := ctx.CPI(hart)
	if cpi <= 0 {
		return base
	}
	return uint64(float64(base) / cpi)
}

func (s *SyncUniform) TryTakeCpt(ctx Context, hart int) bool {
	return defaultTryTakeCpt(ctx, s, hart)
}

func (s *SyncUniform) AfterTakeCpt(ctx Context, hart int) {}

func (s *SyncUniform) UpdateCptLimit(ctx Context) {
	atomic.AddUint64(&s.nextCptPoint, s.CptInterval)
}

func (s *SyncUniform) UpdateSyncLimit(ctx Context) {}

func (s *SyncUniform) TrySetMIE(ctx Context, hart int, state MIESetter) {
	trySetMIESingleHart(ctx, state)
}
