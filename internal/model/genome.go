package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

var ErrMalformedGenome = errors.New("malformed genome")

// Genome is a fixed-width sensor layout, one bit per floorplan cell in row-major
// order (index = x + y*width).
type Genome struct {
	n    uint
	bits *bitset.BitSet
}

func NewGenome(length int) Genome {
	if length < 0 {
		length = 0
	}
	n := uint(length)
	return Genome{n: n, bits: bitset.New(n)}
}

// ParseGenome decodes the canonical 0/1 string form.
func ParseGenome(s string) (Genome, error) {
	s = strings.TrimSpace(s)
	g := NewGenome(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
		case '1':
			g.bits.Set(uint(i))
		default:
			return Genome{}, fmt.Errorf("%w: invalid character %q at %d", ErrMalformedGenome, s[i], i)
		}
	}
	return g, nil
}

func (g Genome) Len() int {
	return int(g.n)
}

func (g Genome) Test(i int) bool {
	if g.bits == nil || i < 0 || uint(i) >= g.n {
		return false
	}
	return g.bits.Test(uint(i))
}

func (g Genome) Set(i int) {
	if g.inRange(i) {
		g.bits.Set(uint(i))
	}
}

func (g Genome) Clear(i int) {
	if g.inRange(i) {
		g.bits.Clear(uint(i))
	}
}

func (g Genome) Flip(i int) {
	if g.inRange(i) {
		g.bits.Flip(uint(i))
	}
}

func (g Genome) SensorCount() int {
	if g.bits == nil {
		return 0
	}
	return int(g.bits.Count())
}

// Sensors returns the indices of all set bits in ascending order.
func (g Genome) Sensors() []int {
	if g.bits == nil {
		return nil
	}
	out := make([]int, 0, g.bits.Count())
	for i, ok := g.bits.NextSet(0); ok && i < g.n; i, ok = g.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

func (g Genome) Clone() Genome {
	if g.bits == nil {
		return NewGenome(int(g.n))
	}
	return Genome{n: g.n, bits: g.bits.Clone()}
}

func (g Genome) Equal(other Genome) bool {
	if g.n != other.n {
		return false
	}
	return g.String() == other.String()
}

// String is the canonical encoding, also used as the store's dedup key.
func (g Genome) String() string {
	var b strings.Builder
	b.Grow(int(g.n))
	for i := uint(0); i < g.n; i++ {
		if g.bits != nil && g.bits.Test(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (g Genome) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Genome) UnmarshalText(text []byte) error {
	parsed, err := ParseGenome(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

func (g Genome) inRange(i int) bool {
	return g.bits != nil && i >= 0 && uint(i) < g.n
}
