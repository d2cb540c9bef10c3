// Package floorplan models the building grid sensors are placed on.
package floorplan

import (
	"fmt"
	"strings"

	"wasp/internal/model"
)

type CellKind uint8

const (
	CellFree CellKind = iota
	CellWall
	CellLintel
	CellOffLimits
)

func (k CellKind) String() string {
	switch k {
	case CellWall:
		return "wall"
	case CellLintel:
		return "lintel"
	case CellOffLimits:
		return "off_limits"
	default:
		return "free"
	}
}

// Site is a width x height grid of cells.
type Site struct {
	Width  int
	Height int
	cells  []CellKind
}

func NewSite(width, height int) (*Site, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid site dimensions %dx%d", width, height)
	}
	return &Site{Width: width, Height: height, cells: make([]CellKind, width*height)}, nil
}

// Cells is the genome length for this site.
func (s *Site) Cells() int {
	return s.Width * s.Height
}

func (s *Site) Index(x, y int) int {
	return x + y*s.Width
}

func (s *Site) XY(index int) (int, int) {
	y := index / s.Width
	return index - y*s.Width, y
}

func (s *Site) Kind(x, y int) CellKind {
	if !s.inBounds(x, y) {
		return CellWall
	}
	return s.cells[s.Index(x, y)]
}

// Valid reports whether a sensor may sit on (x, y).
func (s *Site) Valid(x, y int) bool {
	return s.inBounds(x, y) && s.cells[s.Index(x, y)] == CellFree
}

// Mark paints a rectangle. Off-limits never overrides walls or lintels.
// Cells outside the grid are ignored.
func (s *Site) Mark(kind CellKind, x, y, width, height int) {
	for px := x; px < x+width; px++ {
		for py := y; py < y+height; py++ {
			if !s.inBounds(px, py) {
				continue
			}
			i := s.Index(px, py)
			if kind == CellOffLimits && s.cells[i] != CellFree {
				continue
			}
			s.cells[i] = kind
		}
	}
}

// ValidGenome checks the layout invariant: every sensor on a free cell.
func (s *Site) ValidGenome(g model.Genome) error {
	if g.Len() != s.Cells() {
		return fmt.Errorf("genome length %d does not match site %dx%d", g.Len(), s.Width, s.Height)
	}
	for _, i := range g.Sensors() {
		x, y := s.XY(i)
		if !s.Valid(x, y) {
			return fmt.Errorf("sensor at (%d,%d) sits on %s", x, y, s.Kind(x, y))
		}
	}
	return nil
}

// Render draws a layout: S for sensors, w/l/x for blocked cells, '.' otherwise.
func (s *Site) Render(g model.Genome) string {
	var b strings.Builder
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			switch {
			case g.Test(s.Index(x, y)):
				b.WriteByte('S')
			default:
				b.WriteByte(kindGlyph[s.Kind(x, y)])
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

var kindGlyph = map[CellKind]byte{
	CellFree:      '.',
	CellWall:      'w',
	CellLintel:    'l',
	CellOffLimits: 'x',
}

func (s *Site) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < s.Width && y < s.Height
}
