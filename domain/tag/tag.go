package tag

import (
	"encoding/hex"
	"math/bits"
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Size is the number of capability bits carried by a tag.
const Size = 256

// TEE is the position of the trusted-execution capability bit.
const TEE = 1

var ErrInvalidTag = errors.New("invalid tag")

// Tag is a 256-bit capability mask.
// Positions are 1-indexed from the least significant bit.
type Tag struct {
	v uint256.Int
}

// Zero is the empty tag: no capability required or advertised.
var Zero = Tag{}

// Parse decodes a 0x-prefixed hex mask of at most 32 bytes.
// Short inputs are left-padded, so "0x3" and a full bytes32 are equivalent.
func Parse(s string) (Tag, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s) > 64 {
		return Tag{}, errors.Wrapf(ErrInvalidTag, "%q", s)
	}
	s = strings.Repeat("0", 64-len(s)) + s

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Tag{}, errors.Wrapf(ErrInvalidTag, "%q", s)
	}

	var t Tag
	t.v.SetBytes32(raw)
	return t, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Tag {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FromPositions builds the mask with exactly the given bits enabled.
func FromPositions(positions []int) (Tag, error) {
	var t Tag
	for _, p := range positions {
		if p < 1 || p > Size {
			return Tag{}, errors.Wrapf(ErrInvalidTag, "position %d out of range", p)
		}
		t.v[(p-1)/64] |= 1 << uint((p-1)%64)
	}
	return t, nil
}

// ToArray returns the ascending 1-indexed positions of the enabled bits.
func ToArray(t Tag) []int {
	out := make([]int, 0, popcount(t))
	for w := 0; w < 4; w++ {
		word := t.v[w]
		for word != 0 {
			i := bits.TrailingZeros64(word)
			out = append(out, w*64+i+1)
			word &= word - 1
		}
	}
	return out
}

// ExcludeArray returns every position in [1, 256] not present in positions.
func ExcludeArray(positions []int) []int {
	var seen [Size + 1]bool
	n := 0
	for _, p := range positions {
		if p >= 1 && p <= Size && !seen[p] {
			seen[p] = true
			n++
		}
	}

	out := make([]int, 0, Size-n)
	for p := 1; p <= Size; p++ {
		if !seen[p] {
			out = append(out, p)
		}
	}
	return out
}

func popcount(t Tag) int {
	n := 0
	for _, w := range t.v {
		n += bits.OnesCount64(w)
	}
	return n
}

// Positions is ToArray as a method.
func (t Tag) Positions() []int {
	return ToArray(t)
}

func (t Tag) Has(position int) bool {
	if position < 1 || position > Size {
		return false
	}
	return t.v[(position-1)/64]&(1<<uint((position-1)%64)) != 0
}

func (t Tag) IsZero() bool {
	return t.v.IsZero()
}

func (t Tag) Or(o Tag) Tag {
	var r Tag
	r.v.Or(&t.v, &o.v)
	return r
}

func (t Tag) And(o Tag) Tag {
	var r Tag
	r.v.And(&t.v, &o.v)
	return r
}

// Covers reports whether every bit of o is also set in t.
func (t Tag) Covers(o Tag) bool {
	return t.And(o) == o
}

// Hex renders the mask as a 0x-prefixed bytes32.
func (t Tag) Hex() string {
	b := t.v.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

func (t Tag) String() string {
	return t.Hex()
}

func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.Hex()), nil
}

func (t *Tag) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
