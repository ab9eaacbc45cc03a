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

	"google.golang.org/protobuf/encoding/protowire"
)

// Header/MemLayout field numbers. Every field is always emitted
// (proto2-style, not proto3 zero-omission) so re-encoding the decoded
// structure is byte-identical to the original — the §8 round-trip
// property depends on this.
const (
	fieldHeaderMagic          = 1
	fieldHeaderCptOffset      = 2
	fieldHeaderCPUNum         = 3
	fieldHeaderSingleCoreSize = 4
	fieldHeaderVersion        = 5

	fieldLayoutBootFlag  = 1
	fieldLayoutPC        = 2
	fieldLayoutMode      = 3
	fieldLayoutMtime     = 4
	fieldLayoutMtimeCmp  = 5
	fieldLayoutIntReg    = 6
	fieldLayoutFloatReg  = 7
	fieldLayoutCsrReg    = 8
	fieldLayoutVectorReg = 9
	fieldLayoutCSRSize   = 10
	fieldLayoutSliceSize = 11
)

func marshalHeader(h Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHeaderMagic, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Magic))
	b = protowire.AppendTag(b, fieldHeaderCptOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, h.CptOffset)
	b = protowire.AppendTag(b, fieldHeaderCPUNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.CPUNum))
	b = protowire.AppendTag(b, fieldHeaderSingleCoreSize, protowire.VarintType)
	b = protowire.AppendVarint(b, h.SingleCoreSize)
	b = protowire.AppendTag(b, fieldHeaderVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, fmt.Errorf("serialize: bad header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return Header{}, fmt.Errorf("serialize: unexpected wire type %v in header", typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Header{}, fmt.Errorf("serialize: bad header varint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldHeaderMagic:
			h.Magic = uint32(v)
		case fieldHeaderCptOffset:
			h.CptOffset = v
		case fieldHeaderCPUNum:
			h.CPUNum = uint32(v)
		case fieldHeaderSingleCoreSize:
			h.SingleCoreSize = v
		case fieldHeaderVersion:
			h.Version = uint32(v)
		}
	}
	return h, nil
}

func marshalLayout(l MemLayout) []byte {
	var b []byte
	fields := []struct {
		num uint64
		val uint64
	}{
		{fieldLayoutBootFlag, l.BootFlagAddr},
		{fieldLayoutPC, l.PCAddr},
		{fieldLayoutMode, l.ModeAddr},
		{fieldLayoutMtime, l.MtimeAddr},
		{fieldLayoutMtimeCmp, l.MtimeCmpAddr},
		{fieldLayoutIntReg, l.IntRegAddr},
		{fieldLayoutFloatReg, l.FloatRegAddr},
		{fieldLayoutCsrReg, l.CsrRegAddr},
		{fieldLayoutVectorReg, l.VectorRegAddr},
		{fieldLayoutCSRSize, l.CSRTableSize},
		{fieldLayoutSliceSize, l.SliceSize},
	}
	for _, f := range fields {
		b = protowire.AppendTag(b, protowire.Number(f.num), protowire.VarintType)
		b = protowire.AppendVarint(b, f.val)
	}
	return b
}

func unmarshalLayout(b []byte) (MemLayout, error) {
	var l MemLayout
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return MemLayout{}, fmt.Errorf("serialize: bad layout tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return MemLayout{}, fmt.Errorf("serialize: unexpected wire type %v in layout", typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return MemLayout{}, fmt.Errorf("serialize: bad layout varint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch protowire.Number(num) {
		case fieldLayoutBootFlag:
			l.BootFlagAddr = v
		case fieldLayoutPC:
			l.PCAddr = v
		case fieldLayoutMode:
			l.ModeAddr = v
		case fieldLayoutMtime:
			l.MtimeAddr = v
		case fieldLayoutMtimeCmp:
			l.MtimeCmpAddr = v
		case fieldLayoutIntReg:
			l.IntRegAddr = v
		case fieldLayoutFloatReg:
			l.FloatRegAddr = v
		case fieldLayoutCsrReg:
			l.CsrRegAddr = v
		case fieldLayoutVectorReg:
			l.VectorRegAddr = v
		case fieldLayoutCSRSize:
			l.CSRTableSize = v
		case fieldLayoutSliceSize:
			l.SliceSize = v
		}
	}
	return l, nil
}

// appendFramed prepends a protobuf-style varint length prefix to msg
// and appends both to b, so a reader can recover the message without
// knowing its size at compile time.
func appendFramed(b, msg []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(msg)))
	return append(b, msg...)
}

// consumeFramed reads one length-prefixed message off the front of b,
// returning the message bytes and the remainder.
func consumeFramed(b []byte) (msg, rest []byte, err error) {
	n, size := protowire.ConsumeVarint(b)
	if size < 0 {
		return nil, nil, fmt.Errorf("serialize: bad frame length: %w", protowire.ParseError(size))
	}
	b = b[size:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("serialize: truncated frame: want %d bytes, have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// EncodeHeaderAndLayout frames {header, memlayout} at the start of the
// output buffer. header.CptOffset is recomputed to equal the total
// framed byte length via a short fixed-point iteration (the varint
// width of CptOffset can itself shift the header's own length by a
// byte at certain size boundaries).
func EncodeHeaderAndLayout(h Header, l MemLayout) []byte {
	layoutMsg := marshalLayout(l)
	layoutFramed := appendFramed(nil, layoutMsg)

	cptOffset := uint64(0)
	var headerFramed []byte
	for i := 0; i < 4; i++ {
		h.CptOffset = cptOffset
		headerMsg := marshalHeader(h)
		headerFramed = appendFramed(nil, headerMsg)
		next := uint64(len(headerFramed) + len(layoutFramed))
		if next == cptOffset {
			break
		}
		cptOffset = next
	}

	out := make([]byte, 0, len(headerFramed)+len(layoutFramed))
	out = append(out, headerFramed...)
	out = append(out, layoutFramed...)
	return out
}

// DecodeHeaderAndLayout is the inverse of EncodeHeaderAndLayout.
func DecodeHeaderAndLayout(buf []byte) (Header, MemLayout, error) {
	headerMsg, rest, err := consumeFramed(buf)
	if err != nil {
		return Header{}, MemLayout{}, fmt.Errorf("serialize: header frame: %w", err)
	}
	h, err := unmarshalHeader(headerMsg)
	if err != nil {
		return Header{}, MemLayout{}, err
	}
	layoutMsg, _, err := consumeFramed(rest)
	if err != nil {
		return Header{}, MemLayout{}, fmt.Errorf("serialize: layout frame: %w", err)
	}
	l, err := unmarshalLayout(layoutMsg)
	if err != nil {
		return Header{}, MemLayout{}, err
	}
	return h, l, nil
}
