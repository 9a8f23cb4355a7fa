package packfile

import (
	"bytes"
	"errors"

	packutil "github.com/go-vcs/gitstore/plumbing/format/packfile/util"
)

// Delta instruction stream format: see gitformat-pack(5) "deltified
// representation". Each instruction is either a copy from the base
// (high bit of the command byte set, followed by up to 4 offset bytes
// and up to 3 size bytes, each present only if its corresponding mask
// bit is set) or an insert of literal bytes from the delta stream
// itself (command byte is the literal byte count, 1-127).

var (
	ErrInvalidDelta = errors.New("packfile: invalid delta")
	ErrDeltaCmd     = errors.New("packfile: unrecognized delta command")
)

const (
	minDeltaSize = 4
	maxCopySize  = 0x10000
)

type bitField struct {
	mask  byte
	shift uint
}

var offsetFields = []bitField{
	{mask: 0x01, shift: 0},
	{mask: 0x02, shift: 8},
	{mask: 0x04, shift: 16},
	{mask: 0x08, shift: 24},
}

var sizeFields = []bitField{
	{mask: 0x10, shift: 0},
	{mask: 0x20, shift: 8},
	{mask: 0x40, shift: 16},
}

// ApplyDelta applies delta to base and returns the reconstructed
// target buffer by running the delta instruction stream against the
// base buffer.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	if len(base) == 0 || len(delta) < minDeltaSize {
		return nil, ErrInvalidDelta
	}

	var dst bytes.Buffer
	if err := patchDelta(&dst, base, delta); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func patchDelta(dst *bytes.Buffer, src, delta []byte) error {
	srcSz, delta := packutil.DecodeLEB128(delta)
	if srcSz != uint(len(src)) {
		return ErrInvalidDelta
	}

	targetSz, delta := packutil.DecodeLEB128(delta)
	remaining := targetSz

	dst.Grow(int(min64(uint64(targetSz), 65536)))

	for {
		if len(delta) == 0 {
			if remaining == 0 {
				return nil
			}
			return ErrInvalidDelta
		}

		cmd := delta[0]
		delta = delta[1:]

		switch {
		case isCopyFromSrc(cmd):
			offset, rest, err := decodeOffset(cmd, delta)
			if err != nil {
				return err
			}
			sz, rest2, err := decodeSize(cmd, rest)
			if err != nil {
				return err
			}
			delta = rest2

			if invalidSize(sz, targetSz) || invalidOffsetSize(offset, sz, srcSz) {
				return ErrInvalidDelta
			}
			dst.Write(src[offset : offset+sz])
			remaining -= sz

		case isCopyFromDelta(cmd):
			sz := uint(cmd)
			if invalidSize(sz, targetSz) {
				return ErrInvalidDelta
			}
			if uint(len(delta)) < sz {
				return ErrInvalidDelta
			}
			dst.Write(delta[:sz])
			remaining -= sz
			delta = delta[sz:]

		default:
			return ErrDeltaCmd
		}

		if remaining == 0 {
			return nil
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func isCopyFromSrc(cmd byte) bool   { return cmd&0x80 != 0 }
func isCopyFromDelta(cmd byte) bool { return cmd&0x80 == 0 && cmd != 0 }

func decodeOffset(cmd byte, delta []byte) (uint, []byte, error) {
	var offset uint
	for _, f := range offsetFields {
		if cmd&f.mask != 0 {
			if len(delta) == 0 {
				return 0, nil, ErrInvalidDelta
			}
			offset |= uint(delta[0]) << f.shift
			delta = delta[1:]
		}
	}
	return offset, delta, nil
}

func decodeSize(cmd byte, delta []byte) (uint, []byte, error) {
	var sz uint
	for _, f := range sizeFields {
		if cmd&f.mask != 0 {
			if len(delta) == 0 {
				return 0, nil, ErrInvalidDelta
			}
			sz |= uint(delta[0]) << f.shift
			delta = delta[1:]
		}
	}
	if sz == 0 {
		sz = maxCopySize
	}
	return sz, delta, nil
}

func invalidSize(sz, targetSz uint) bool { return sz > targetSz }

func invalidOffsetSize(offset, sz, srcSz uint) bool {
	return sumOverflows(offset, sz) || offset+sz > srcSz
}

func sumOverflows(a, b uint) bool { return a+b < a }
