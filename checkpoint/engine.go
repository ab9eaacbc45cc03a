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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zybzzz/nemu-checkpoint/checkpoint/ipc"
	"github.com/zybzzz/nemu-checkpoint/checkpoint/policy"
	"github.com/zybzzz/nemu-checkpoint/checkpoint/serialize"
	"github.com/zybzzz/nemu-checkpoint/checkpoint/simpoint"
)

// Engine is the instruction-driven, multi-hart checkpointing
// coordinator (§2): it wires the Sync Barrier, the Policy Layer, the
// Register Serializer and the Compressor & Writer together behind one
// per-hart entry point the host emulator calls after every translated
// block.
type Engine struct {
	cfg    Config
	log    *Logger
	mem    MemoryView
	shut   Shutdowner
	writer *serialize.Writer

	harts   []*hart
	clock   *clockSource
	barrier *syncBarrier

	policyMu sync.RWMutex
	pol      policy.Policy

	schedule *simpoint.Schedule
	ipcCh    *ipc.Channel

	nextSyncPoint []uint64 // per-hart, atomic via atomic.*Uint64 helpers

	cpiMu sync.Mutex
	cpi   []float64

	nextCptID     uint32
	exitRequested int32
}

// NewEngine constructs the engine for a validated Config, one
// HartState per guest CPU (index order is hart index), and the host's
// collaborator views. For SyncUniformCheckpoint, NewEngine attempts to
// open the detail-model IPC channel; if that fails the engine logs the
// failure and falls back to NoCheckpoint for the whole run rather than
// risk writing checkpoints uncoupled from the timing model it was
// configured to trust (§7 ErrIPC).
func NewEngine(cfg Config, harts []HartState, clint ClintView, mem MemoryView, shut Shutdowner, log *Logger) (*Engine, error) {
	if log == nil {
		log = NewDefaultLogger()
	}
	if len(harts) == 0 {
		return nil, newConfigError("harts", "engine requires at least one hart", nil)
	}

	e := &Engine{
		cfg:           cfg,
		log:           log,
		mem:           mem,
		shut:          shut,
		writer:        serialize.NewWriter(),
		clock:         newClockSource(clint),
		nextSyncPoint: make([]uint64, len(harts)),
		cpi:           make([]float64, len(harts)),
	}

	e.harts = make([]*hart, len(harts))
	for i, hs := range harts {
		h := newHart(i, hs)
		h.SetWarmup(cfg.WarmupInterval)
		e.harts[i] = h
	}

	mode := cfg.ParsedMode()
	e.pol = policy.New(mode.String(), cfg.CptInterval, cfg.SyncInterval)

	if mode == ModeSimpoint {
		sched, err := simpoint.Load(cfg.SimpointPath, cfg.OutputBaseDir, cfg.ConfigName, cfg.Workload, cfg.CptInterval)
		if err != nil {
			return nil, err
		}
		e.schedule = sched
	}

	if mode == ModeSyncUniform {
		ch, err := ipc.Open(cfg.OutputBaseDir)
		if err != nil {
			log.ErrorKind(ErrIPC, cfg.OutputBaseDir, "could not open detail-model IPC channel, degrading to NoCheckpoint", err)
			e.pol = &policy.None{}
		} else {
			e.ipcCh = ch
		}
	}

	for i := range e.harts {
		e.nextSyncPoint[i] = e.pol.GetSyncLimit(e, i)
	}

	e.barrier = newSyncBarrier(e.harts, e.runRound, e.requestShutdown)
	return e, nil
}

// OnBlock is the per-hart post-block callback: the host emulator calls
// it after every translated block with the number of instructions the
// block retired and exitSyncPeriod, set when the block ended on a
// guest-visible sync boundary (a nemu-trap or similar host-recognized
// event) rather than a plain translated-block limit. Per §4.5 step 1 a
// hart is brought to the barrier early whenever exitSyncPeriod is set,
// the hart is parked in WFI, or it has reached its next sync point; it
// never blocks otherwise.
func (e *Engine) OnBlock(hartIndex int, insnsRetired uint64, exitSyncPeriod bool) {
	h := e.harts[hartIndex]
	h.AddInsns(insnsRetired)

	reachedSyncLimit := h.ProfilingInsns()-h.KernelInsns() >= atomic.LoadUint64(&e.nextSyncPoint[hartIndex])
	if !exitSyncPeriod && !h.Halted() && !reachedSyncLimit {
		return
	}
	e.barrier.Arrive(hartIndex, false)
}

// Exit marks hartIndex as permanently offline (its guest CPU shut
// down) and brings it to the barrier one last time so a round in
// progress does not wait on it forever.
func (e *Engine) Exit(hartIndex int) {
	e.harts[hartIndex].setOnline(false)
	e.barrier.Arrive(hartIndex, true)
}

// runRound executes on the barrier's elected leader once every online
// hart has arrived. It decides whether to take a checkpoint, performs
// the serialization/write if so, couples with the detail model in
// SyncUniform mode, and advances every arrived hart's next sync point.
// It returns true if the engine should shut down once the round
// releases.
func (e *Engine) runRound(arrived []int) bool {
	pol := e.currentPolicy()

	e.clock.SnapshotMtime()

	took := false
	leader := arrived[0]
	if pol.TryTakeCpt(e, leader) {
		if err := e.writeCheckpoint(); err != nil {
			kind := ErrIO
			if errors.Is(err, serialize.ErrCompress) {
				kind = ErrCompress
			}
			e.log.ErrorKind(kind, e.cfg.OutputBaseDir, "failed to write checkpoint, skipping and advancing schedule", err)
		} else {
			took = true
		}
		pol.AfterTakeCpt(e, leader)
		pol.UpdateCptLimit(e)
	}
	pol.UpdateSyncLimit(e)

	if took && e.cfg.ParsedMode() == ModeSyncUniform && e.ipcCh != nil {
		e.coupleDetailModel()
	}

	for _, idx := range arrived {
		next := atomic.LoadUint64(&e.nextSyncPoint[idx]) + pol.GetSyncLimit(e, idx)
		atomic.StoreUint64(&e.nextSyncPoint[idx], next)
	}

	return atomic.LoadInt32(&e.exitRequested) != 0
}

// coupleDetailModel notifies the detail timing model of a just-committed
// checkpoint (§4.7: Qemu2Detail "sent on each committed checkpoint")
// and folds its CPI feedback into the per-hart cache SyncUniform
// consults for its next sync-limit scaling. An IPC failure degrades
// the engine to NoCheckpoint for the remainder of the run (§7 ErrIPC)
// rather than risk further rounds uncoupled from a model that has
// already stopped responding.
func (e *Engine) coupleDetailModel() {
	msg := ipc.Qemu2Detail{
		CptReady:       true,
		CptID:          e.nextCptID,
		TotalInstCount: e.totalInstCount(),
	}
	if err := e.ipcCh.Notify(msg); err != nil {
		e.degradeIPC(err)
		return
	}
	resp, ok, err := e.ipcCh.Poll()
	if err != nil {
		e.degradeIPC(err)
		return
	}
	if !ok {
		return
	}
	for i := range e.harts {
		if i >= ipc.MaxHarts {
			break
		}
		e.SetCPI(i, resp.CPI[i])
	}
}

func (e *Engine) degradeIPC(err error) {
	e.log.ErrorKind(ErrIPC, e.cfg.OutputBaseDir, "detail-model channel failed, degrading to NoCheckpoint", err)
	e.policyMu.Lock()
	e.pol = &policy.None{}
	e.policyMu.Unlock()
	e.ipcCh.Close()
	e.ipcCh = nil
}

func (e *Engine) currentPolicy() policy.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.pol
}

func (e *Engine) totalInstCount() uint64 {
	var total uint64
	for _, h := range e.harts {
		total += h.ProfilingInsns()
	}
	return total
}

// writeCheckpoint serializes every hart's architectural state
// into the fixed per-hart layout, frames the header alongside, copies
// guest memory, and hands the whole buffer to the Compressor & Writer.
func (e *Engine) writeCheckpoint() error {
	cpus := len(e.harts)
	pol := e.currentPolicy()
	control := make([]byte, cpus*serialize.SliceSize)
	for i, h := range e.harts {
		slice := control[i*serialize.SliceSize : (i+1)*serialize.SliceSize]
		serialize.SerializeHart(slice, i, hartStateAdapter{h.state}, e.clock, cpus)
		pol.TrySetMIE(e, i, h.state)
	}

	header := serialize.Header{
		Magic:          serialize.HeaderMagic,
		CPUNum:         uint32(cpus),
		SingleCoreSize: serialize.SliceSize,
		Version:        serialize.FormatVersion,
	}
	framed := serialize.EncodeHeaderAndLayout(header, serialize.DefaultMemLayout)

	guestMem := make([]byte, e.mem.GuestMemLen())
	if _, err := e.mem.CopyGuestMem(guestMem); err != nil {
		return fmt.Errorf("checkpoint: copy guest memory: %w", err)
	}

	path := e.outputPath()
	if err := e.writer.WriteCheckpoint(path, append(framed, control...), guestMem); err != nil {
		return err
	}

	e.nextCptID++
	e.log.Infof("wrote checkpoint %s (%s guest memory)", path, serialize.HumanSize(len(guestMem)))
	return nil
}

func (e *Engine) outputPath() string {
	if e.cfg.ParsedMode() == ModeSimpoint {
		if entry, ok := e.schedule.Front(); ok {
			return entry.Path
		}
	}
	return simpoint.PathFor(e.cfg.OutputBaseDir, e.cfg.Workload, e.totalInstCount())
}

func (e *Engine) requestShutdown() {
	e.shut.RequestShutdown("checkpoint schedule exhausted")
}

// policy.Context implementation.

func (e *Engine) Cpus() int { return len(e.harts) }

func (e *Engine) ProfilingInsns(hart int) uint64 { return e.harts[hart].ProfilingInsns() }

func (e *Engine) KernelInsns(hart int) uint64 { return e.harts[hart].KernelInsns() }

func (e *Engine) SimpointFront() (uint64, string, bool) {
	if e.schedule == nil {
		return 0, "", false
	}
	entry, ok := e.schedule.Front()
	return entry.Location, entry.Weight, ok
}

func (e *Engine) SimpointPop() (uint64, string, string, bool) {
	if e.schedule == nil {
		return 0, "", "", false
	}
	entry, ok := e.schedule.PopFront()
	return entry.Location, entry.Weight, entry.Path, ok
}

func (e *Engine) RequestExit() { atomic.StoreInt32(&e.exitRequested, 1) }

func (e *Engine) IPC() *ipc.Channel { return e.ipcCh }

func (e *Engine) SetCPI(hart int, v float64) {
	e.cpiMu.Lock()
	e.cpi[hart] = v
	e.cpiMu.Unlock()
}

func (e *Engine) CPI(hart int) float64 {
	e.cpiMu.Lock()
	defer e.cpiMu.Unlock()
	return e.cpi[hart]
}

func (e *Engine) NextCheckpointID() uint32 {
	e.nextCptID++
	return e.nextCptID
}

// hartStateAdapter narrows HartState to serialize.RegSource so the
// serialize package never needs to import the checkpoint package.
type hartStateAdapter struct {
	HartState
}
