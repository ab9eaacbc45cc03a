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

package serialize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	bytesize "github.com/inhies/go-bytesize"
	"github.com/klauspost/compress/zstd"
	"github.com/sigurn/crc16"
)

// crcTable is the CRC-16/XMODEM table HeaderChecksum uses over the
// protobuf-style header+layout frame.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Kind errors, matching the engine's §7 taxonomy; this package is
// imported by checkpoint but must not import it back, so the errors
// are re-declared here as distinct sentinels the caller can translate.
var (
	ErrIO       = fmt.Errorf("io error")
	ErrCompress = fmt.Errorf("compress error")
)

// Writer implements the Compressor & Writer component (§4.2).
type Writer struct {
	// Level mirrors the single Zstd compression level the spec
	// mandates (level 1 == fastest).
	Level zstd.EncoderLevel
}

func NewWriter() *Writer {
	return &Writer{Level: zstd.SpeedFastest}
}

// WriteCheckpoint compresses {controlBuffer, guestMem} as one Zstd
// frame and writes it atomically to path, creating parent directories
// as needed (mode 0775).
func (w *Writer) WriteCheckpoint(path string, controlBuffer, guestMem []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrIO, filepath.Dir(path), err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrIO, path, err)
	}
	if !locked {
		return fmt.Errorf("%w: checkpoint path %s is already being written", ErrIO, path)
	}
	defer lock.Unlock()
	defer os.Remove(path + ".lock")

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(w.Level))
	if err != nil {
		return fmt.Errorf("%w: create zstd encoder: %v", ErrCompress, err)
	}
	defer enc.Close()

	payload := make([]byte, 0, len(controlBuffer)+len(guestMem))
	payload = append(payload, controlBuffer...)
	payload = append(payload, guestMem...)
	compressed := enc.EncodeAll(payload, nil)
	if len(compressed) == 0 && len(payload) != 0 {
		return fmt.Errorf("%w: zstd produced empty frame for %d-byte payload", ErrCompress, len(payload))
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, tmp, err)
	}
	n, err := f.Write(compressed)
	if err != nil || n != len(compressed) {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: partial write to %s (%d/%d bytes): %v", ErrIO, tmp, n, len(compressed), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s -> %s: %v", ErrIO, tmp, path, err)
	}

	return nil
}

// HeaderChecksum computes the CRC-16/XMODEM of a framed header+layout
// blob. Neither EncodeHeaderAndLayout nor WriteCheckpoint appends this
// checksum to the output, and DecodeHeaderAndLayout does not verify one.
func HeaderChecksum(framed []byte) uint16 {
	return crc16.Checksum(framed, crcTable)
}

// HumanSize renders n bytes the way the writer's success log line
// reports guest-memory size (§7: "info line naming the output path
// and instruction count").
func HumanSize(n int) string {
	return bytesize.New(float64(n)).String()
}
