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

// None is the no-checkpoint policy: harts still pass through the sync
// barrier (so SyncInterval bookkeeping and shutdown detection keep
// working), but no checkpoint is ever taken and MIE is never touched.
type None struct{}

func (n *None) GetCptLimit(ctx Context) uint64 { return 0 }

func (n *None) GetSyncLimit(ctx Context, hart int) uint64 { return 0 }

func (n *None) TryTakeCpt(ctx Context, hart int) bool { return false }

func (n *None) AfterTakeCpt(ctx Context, hart int) {}

func (n *None) UpdateCptLimit(ctx Context) {}

func (n *None) UpdateSyncLimit(ctx Context) {}

func (n *None) TrySetMIE(ctx Context, hart int, state MIESetter) {}
