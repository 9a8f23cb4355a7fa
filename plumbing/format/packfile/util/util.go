// Package util holds the small bit-twiddling helpers shared by pack
// entry header and delta instruction stream decoding.
package util

import (
	"errors"
	"io"

	"github.com/go-vcs/gitstore/plumbing"
)

const (
	firstLengthBits = uint8(4)
	maskPayload     = 0x7f
	maskContinue    = 0x80
	maskType        = uint8(112)
)

// VariableLengthSize reads a pack entry's size field: the low 4 bits of
// first, then, while the continuation bit is set, 7 more bits per byte
// from reader.
func VariableLengthSize(first byte, reader io.ByteReader) (uint64, error) {
	size := uint64(first & 0x0F)

	if first&maskContinue != 0 {
		if reader == nil {
			return 0, errors.New("packfile: nil reader continuing variable length size")
		}
		shift := uint(4)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return 0, err
			}
			size |= uint64(b&0x7F) << shift
			if b&maskContinue == 0 {
				break
			}
			shift += 7
		}
	}
	return size, nil
}

// ObjectType extracts the 3-bit type field from a pack entry's first
// header byte.
func ObjectType(b byte) plumbing.ObjectType {
	return plumbing.ObjectType((b & maskType) >> firstLengthBits)
}

// DecodeLEB128 decodes an unsigned LEB128 integer from the start of
// input, returning the value and the remaining bytes. Used for the
// source/target size prefixes of a delta instruction stream.
func DecodeLEB128(input []byte) (uint, []byte) {
	if len(input) == 0 {
		return 0, input
	}
	var num, sz uint
	for {
		b := input[sz]
		num |= (uint(b) & maskPayload) << (sz * 7)
		sz++
		if uint(b)&maskContinue == 0 || sz == uint(len(input)) {
			break
		}
	}
	return num, input[sz:]
}
