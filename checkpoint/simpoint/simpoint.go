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

// Package simpoint parses SimPoint location/weight files and manages
// the ordered checkpoint schedule and output path naming for both
// Simpoint mode and the Uniform/SyncUniform single-path case.
//
// Grounded on target/riscv/serializer.c's find_minlocation (a linear
// scan of a fixed SIMPOINT_IDX_MAX-sized array for the smallest
// pending location) and pathmanger.outputPath naming, replaced here
// with a location-sorted slice and O(1) pop-front per the spec's
// design notes.
package simpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Entry is one pending checkpoint target: a simpoint location
// (instruction-count multiplier), its statistical weight, and the
// output path it will be written to once committed.
type Entry struct {
	Location uint64
	Weight   string
	Path     string
}

// Schedule is the ordered, consumable list of pending checkpoints.
// Mutated only by the barrier leader, guarded by mu per the design
// notes (mutex reserved for schedule mutation, which happens once per
// commit — not on the per-block hot path).
type Schedule struct {
	mu      sync.Mutex
	entries []Entry
}

// PathFor computes the single output path used by Uniform/SyncUniform
// mode, {base}/{workload}/{icount}/_{icount}_.gz, on demand; there is
// no fixed list to exhaust.
func PathFor(baseDir, workload string, icount uint64) string {
	return filepath.Join(baseDir, workload, strconv.FormatUint(icount, 10), fmt.Sprintf("_%d_.gz", icount))
}

// Load parses simpoints0/weights0 out of dir and builds the
// location-ascending schedule with output paths rooted at
// base/configName/workload. simpoints0 holds raw simpoint multipliers
// (e.g. 100, 250, 400); cptInterval scales each into the absolute
// instruction-count frontier the policy layer compares against
// (§4.4 "head of simpoint list × cpt_interval"), and the output path
// is named after that scaled frontier rather than the raw multiplier.
func Load(dir, base, configName, workload string, cptInterval uint64) (*Schedule, error) {
	locations, err := parseValueIDFile(filepath.Join(dir, "simpoints0"))
	if err != nil {
		return nil, err
	}
	weights, err := parseValueIDFile(filepath.Join(dir, "weights0"))
	if err != nil {
		return nil, err
	}
	weightByID := make(map[string]string, len(weights))
	for id, w := range weights {
		weightByID[id] = w
	}

	entries := make([]Entry, 0, len(locations))
	for id, locStr := range locations {
		loc, err := strconv.ParseUint(locStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("simpoint schedule: bad location %q for id %s: %w", locStr, id, err)
		}
		scaled := loc * cptInterval
		entries = append(entries, Entry{
			Location: loc,
			Weight:   weightByID[id],
			Path:     filepath.Join(base, configName, workload, fmt.Sprintf("%d", scaled), fmt.Sprintf("_%d_%s.gz", scaled, weightByID[id])),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Location < entries[j].Location })

	return &Schedule{entries: entries}, nil
}

// parseValueIDFile parses whitespace-separated "value id" lines into
// id -> value, per the spec's input format.
func parseValueIDFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("simpoint schedule: cannot read %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("simpoint schedule: malformed line in %s: %q", path, line)
		}
		out[fields[1]] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("simpoint schedule: reading %s: %w", path, err)
	}
	return out, nil
}

// Empty reports whether the schedule has no more pending entries.
func (s *Schedule) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

// Front returns the head entry without consuming it.
func (s *Schedule) Front() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[0], true
}

// PopFront removes and returns the head entry. A zero-location head
// is consumed the same way as any other entry; the caller (policy
// layer) is responsible for treating Location==0 as "skip, no
// checkpoint produced."
func (s *Schedule) PopFront() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, true
}

// Len reports the number of pending entries, for observability/tests.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
