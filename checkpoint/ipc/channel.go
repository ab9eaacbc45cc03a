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

package ipc

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	readFIFOName  = "detail_to_qemu.fifo"
	writeFIFOName = "qemu_to_detail.fifo"
)

// Channel is the bidirectional named-pipe coupling to the external
// detailed timing model. It is accessed only by the barrier leader
// (§5: "The detail-model IPC descriptors: accessed only by the
// leader"), so it needs no internal locking.
type Channel struct {
	read  *os.File
	write *os.File

	// ValidPeriods caps how often a Detail2Qemu record is consumed:
	// it starts at 1, decrements on each commit, and a new record is
	// read (blocking) once it reaches zero.
	ValidPeriods int
}

// Open creates (if absent) and opens the two fixed-relative-path
// named pipes under dir.
func Open(dir string) (*Channel, error) {
	readPath := filepath.Join(dir, readFIFOName)
	writePath := filepath.Join(dir, writeFIFOName)

	for _, p := range []string{readPath, writePath} {
		if err := unix.Mkfifo(p, 0o644); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("ipc: mkfifo %s: %w", p, err)
		}
	}

	// Open write end first with O_RDWR so this process does not block
	// waiting for a detail-model peer that opens its read end second;
	// the read end is then opened normally (blocks until a writer
	// attaches, which is the desired handshake with the peer).
	wf, err := os.OpenFile(writePath, os.O_RDWR, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("ipc: open write fifo %s: %w", writePath, err)
	}
	rf, err := os.OpenFile(readPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		wf.Close()
		return nil, fmt.Errorf("ipc: open read fifo %s: %w", readPath, err)
	}

	return &Channel{read: rf, write: wf, ValidPeriods: 1}, nil
}

func (c *Channel) Close() error {
	var err error
	if c.write != nil {
		err = c.write.Close()
	}
	if c.read != nil {
		if e := c.read.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Notify sends a Qemu2Detail record for a just-committed checkpoint.
func (c *Channel) Notify(msg Qemu2Detail) error {
	return WriteQemu2Detail(c.write, msg)
}

// Poll decrements ValidPeriods and, once it reaches zero, blocks for
// one Detail2Qemu record and resets the counter to 1.
func (c *Channel) Poll() (Detail2Qemu, bool, error) {
	c.ValidPeriods--
	if c.ValidPeriods > 0 {
		return Detail2Qemu{}, false, nil
	}
	msg, err := ReadDetail2Qemu(c.read)
	if err != nil {
		return Detail2Qemu{}, false, err
	}
	c.ValidPeriods = 1
	return msg, true, nil
}
