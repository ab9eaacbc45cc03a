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

import (
	"runtime"
	"sync/atomic"
)

// barrierState classifies a hart at barrier entry (§4.5): RUNNING
// (has not reached this round's sync point yet, so the round is not
// ready), WAITING (arrived, parked until released) or EXITED (left
// the workload permanently and is skipped by every future round).
type barrierState int32

const (
	barrierRunning barrierState = iota
	barrierWaiting
	barrierExited
)

// syncBarrier is the Sync Barrier component (§4.5): an atomic-spin
// rendezvous that brings every online hart to a common instruction
// frontier, elects exactly one arriving hart as leader to perform the
// round's checkpoint/shutdown work, then releases every hart together.
//
// Mutex+condvar is deliberately avoided here — reserved for schedule
// list mutation elsewhere (§9 design notes) — because Arrive runs on
// the per-block hot path inside each hart's execution goroutine, the
// same context the original busy-waits in rather than risk a blocking
// syscall mid-TB.
type syncBarrier struct {
	harts []*hart

	// generation increments once per completed round. A hart captures
	// it on arrival and spins until it changes; that change is the
	// leader's signal that the round's work is done and everyone may
	// proceed.
	generation uint64

	// state[i] is harts[i]'s barrierState for the in-progress round,
	// set by the hart itself on arrival and polled by whichever hart
	// becomes leader.
	state []int32

	// leaderClaimed is CAS'd 0->1 by the first hart to notice it must
	// run the leader section, and reset to 0 once that round's work is
	// released.
	leaderClaimed int32

	// onLeader runs once per round, on the electing hart, with the
	// indices of every hart that reached this round. It returns true
	// if the engine should shut down once the round is released.
	onLeader func(arrived []int) (shutdown bool)

	onShutdown func()
}

func newSyncBarrier(harts []*hart, onLeader func(arrived []int) bool, onShutdown func()) *syncBarrier {
	return &syncBarrier{
		harts:      harts,
		state:      make([]int32, len(harts)),
		onLeader:   onLeader,
		onShutdown: onShutdown,
	}
}

// Arrive brings hart i to the barrier for the current round. exit is
// true when the hart has permanently left the workload (its guest CPU
// shut down); it is classified EXITED and excluded from every future
// round's rendezvous.
func (b *syncBarrier) Arrive(i int, exit bool) {
	myGen := atomic.LoadUint64(&b.generation)

	st := barrierWaiting
	if exit {
		st = barrierExited
		b.harts[i].setExited()
	}
	atomic.StoreInt32(&b.state[i], int32(st))

	if atomic.CompareAndSwapInt32(&b.leaderClaimed, 0, 1) {
		b.runLeader(myGen)
		return
	}

	for atomic.LoadUint64(&b.generation) == myGen {
		runtime.Gosched()
	}
}

// runLeader executes on exactly one hart per round: spin until every
// other online, non-exited hart has arrived, perform the round's
// work, reset per-round state, then release the round.
func (b *syncBarrier) runLeader(myGen uint64) {
	arrived := make([]int, 0, len(b.harts))
	for {
		allArrived := true
		arrived = arrived[:0]
		for i, h := range b.harts {
			// A hart that has just set its own per-round state (this
			// round's Arrive call, possibly with exit=true) always
			// counts, even if it marked itself exited/offline in the
			// very same call: setExited()/setOnline(false) run
			// synchronously before the state store, so hasExited()/
			// !isOnline() would otherwise mask a hart's own arrival in
			// the round it exits with.
			switch barrierState(atomic.LoadInt32(&b.state[i])) {
			case barrierWaiting, barrierExited:
				arrived = append(arrived, i)
				continue
			}
			// Nothing signaled for this round yet. A hart that exited
			// in an earlier round will never call Arrive again, so
			// don't wait on it; anyone else still owes this round an
			// arrival.
			if !h.isOnline() || h.hasExited() {
				continue
			}
			allArrived = false
		}
		if allArrived {
			break
		}
		runtime.Gosched()
	}

	shutdown := false
	if b.onLeader != nil {
		shutdown = b.onLeader(arrived)
	}

	// Every hart that took part in this round just completed a
	// successful sync; snapshot its instruction count (§3:
	// last_seen_insns "snapshot at the last successful sync").
	for _, i := range arrived {
		b.harts[i].recordSync()
	}

	for i := range b.state {
		atomic.StoreInt32(&b.state[i], int32(barrierRunning))
	}
	atomic.StoreInt32(&b.leaderClaimed, 0)
	atomic.AddUint64(&b.generation, 1)

	if shutdown && b.onShutdown != nil {
		b.onShutdown()
	}
}
