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

// Command nemuckptd drives the checkpointing engine against a
// synthetic multi-hart workload: each simulated hart retires a fixed
// block size in a loop and calls into the engine exactly the way the
// host emulator's post-block callback would, so the barrier/policy/
// serializer pipeline can be exercised end-to-end without a real
// RISC-V frontend attached.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zybzzz/nemu-checkpoint/checkpoint"
)

var (
	configPath  = flag.String("config", "", "Path to the checkpoint engine YAML configuration")
	cpus        = flag.Uint("cpus", 1, "Number of simulated harts")
	totalInsns  = flag.Uint64("insns", 1_000_000, "Total instructions each hart retires")
	blockSize   = flag.Uint64("block-size", 100, "Instructions retired per simulated translated block")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

const version = "1.0.0"

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("nemuckptd v%s\n", version)
		os.Exit(0)
	}
	if *configPath == "" {
		usage()
		os.Exit(1)
	}

	log := checkpoint.NewDefaultLogger()

	cfg, err := checkpoint.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	harts := make([]checkpoint.HartState, *cpus)
	states := make([]*simHart, *cpus)
	for i := range harts {
		s := newSimHart()
		states[i] = s
		harts[i] = s
	}

	clint := newSimClint(*cpus)
	mem := newSimMemory(64 << 20)
	shut := &simShutdowner{log: log}

	engine, err := checkpoint.NewEngine(cfg, harts, clint, mem, shut, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing engine: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Errorf("interrupted, exiting")
		os.Exit(130)
	}()

	bar := progressbar.Default(int64(*totalInsns) * int64(*cpus))

	startTime := time.Now()
	g := new(errgroup.Group)
	var barMu sync.Mutex
	for i := 0; i < int(*cpus); i++ {
		i := i
		g.Go(func() error {
			return runHart(engine, i, states[i], *totalInsns, *blockSize, func(n uint64) {
				barMu.Lock()
				bar.Add64(int64(n))
				barMu.Unlock()
			})
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	elapsed := time.Since(startTime)
	log.Infof("ran %d harts x %d instructions in %v", *cpus, *totalInsns, elapsed.Round(time.Millisecond))
	if shut.hit() {
		log.Infof("engine requested shutdown: %s", shut.cause())
	}
}

// runHart feeds OnBlock in blockSize-instruction increments until the
// hart has retired totalInsns, mirroring the varying block lengths a
// real translated-block loop would see with a jittered block size.
func runHart(engine *checkpoint.Engine, index int, s *simHart, totalInsns, blockSize uint64, onProgress func(uint64)) error {
	var retired uint64
	for retired < totalInsns {
		n := blockSize
		if jitter := n / 4; jitter > 0 {
			n = n - jitter + uint64(rand.Intn(int(2*jitter+1)))
		}
		if retired+n > totalInsns {
			n = totalInsns - retired
		}
		s.advance(n)
		// The synthetic workload has no nemu-trap/sync-boundary concept
		// of its own, so every block reports exitSyncPeriod=false; only
		// a real host emulator frontend would set it.
		engine.OnBlock(index, n, false)
		retired += n
		onProgress(n)
	}
	engine.Exit(index)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -config <file> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "nemuckptd - drive the checkpointing engine against a synthetic workload\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}
