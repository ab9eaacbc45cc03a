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

// Package policy implements the four scheduling modes (None, Uniform,
// Simpoint, SyncUniform) behind one seven-method contract, selected
// once at engine construction (§4.4). The original C source generated
// four vtables with a preprocessor macro; this package expresses the
// same "one interface, four static implementations" shape as a Go
// interface with four concrete types, selected once and never
// reconfigured.
package policy

import "github.com/zybzzz/nemu-checkpoint/checkpoint/ipc"

// Context is everything a Policy needs from the engine, kept as a
// narrow interface so this package never imports the checkpoint
// package (which imports policy) back.
type Context interface {
	Cpus() int
	ProfilingInsns(hart int) uint64
	KernelInsns(hart int) uint64

	// SimpointFront/SimpointPop expose the ordered schedule without
	// leaking the simpoint package's Entry type into every call site;
	// ok is false once the schedule is exhausted.
	SimpointFront() (location uint64, weight string, ok bool)
	SimpointPop() (location uint64, weight string, path string, ok bool)

	// RequestExit marks the engine for shutdown at the next barrier
	// exit (ScheduleExhausted is not an error, §7).
	RequestExit()

	// IPC is nil outside SyncUniform mode.
	IPC() *ipc.Channel
	// SetCPI/CPI cache the per-hart CPI vector the detailed model
	// last reported.
	SetCPI(hart int, cpi float64)
	CPI(hart int) float64

	NextCheckpointID() uint32
}

// Policy is the seven-operation vtable contract (§2, §4.4).
type Policy interface {
	GetCptLimit(ctx Context) uint64
	GetSyncLimit(ctx Context, hart int) uint64
	TryTakeCpt(ctx Context, hart int) bool
	AfterTakeCpt(ctx Context, hart int)
	UpdateCptLimit(ctx Context)
	UpdateSyncLimit(ctx Context)
	TrySetMIE(ctx Context, hart int, state MIESetter)
}

// MIESetter is the one live-register write a policy may perform.
type MIESetter interface {
	SetMIE(clearMask uint64)
}

// New selects the policy implementation for mode.
func New(mode string, cptInterval, syncInterval uint64) Policy {
	switch mode {
	case "UniformCheckpoint":
		return &Uniform{CptInterval: cptInterval, SyncInterval: syncInterval, nextCptPoint: cptInterval, uniformSyncLimit: effectiveSyncInterval(cptInterval, syncInterval)}
	case "SimpointCheckpoint":
		return &Simpoint{CptInterval: cptInterval, SyncInterval: syncInterval}
	case "SyncUniformCheckpoint":
		return &SyncUniform{CptInterval: cptInterval, SyncInterval: syncInterval, nextCptPoint: cptInterval}
	default:
		return &None{}
	}
}

func effectiveSyncInterval(cptInterval, syncInterval uint64) uint64 {
	if syncInterval != 0 {
		return syncInterval
	}
	return cptInterval
}

// trySetMIESingleHart clears mie bits 5 and 7, but only when the
// workload is running on a single hart: §4.4's table marks try_set_mie
// a no-op for every mode, with the clear reserved for "the single-hart
// case" (the text directly under the table). A multi-hart run must
// never mutate another hart's live interrupt-enable state just because
// this hart happened to take a checkpoint.
func trySetMIESingleHart(ctx Context, state MIESetter) {
	if ctx.Cpus() != 1 {
		return
	}
	state.SetMIE(mieClearMask)
}

// defaultTryTakeCpt is the generic "is the workload-relative
// instruction count past the policy's cpt limit" decision shared by
// every policy whose GetCptLimit expresses an absolute frontier. A
// zero limit means "skip, but the barrier still syncs" (§4.5 tie-break).
func defaultTryTakeCpt(ctx Context, p Policy, hart int) bool {
	limit := p.GetCptLimit(ctx)
	if limit == 0 {
		return false
	}
	return ctx.ProfilingInsns(hart)-ctx.KernelInsns(hart) >= limit
}
