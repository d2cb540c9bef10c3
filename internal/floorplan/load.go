package floorplan

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type rect struct {
	kind                CellKind
	x, y, width, height int
}

// LoadSite reads a site XML file.
func LoadSite(path string) (*Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	site, err := DecodeSite(f)
	if err != nil {
		return nil, fmt.Errorf("load site %s: %w", path, err)
	}
	return site, nil
}

// DecodeSite parses the site format: a <site max_width max_height> element,
// <wall> and <lintel> rectangles anywhere below it, and <rectangle> children
// of <off_limits>.
func DecodeSite(r io.Reader) (*Site, error) {
	dec := xml.NewDecoder(r)
	var (
		width, height int
		haveSite      bool
		offLimits     int
		rects         []rect
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "site":
				if haveSite {
					continue
				}
				haveSite = true
				if width, err = intAttr(el, "max_width"); err != nil {
					return nil, err
				}
				if height, err = intAttr(el, "max_height"); err != nil {
					return nil, err
				}
			case "wall", "lintel":
				kind := CellWall
				if el.Name.Local == "lintel" {
					kind = CellLintel
				}
				rc, err := rectAttrs(el, kind)
				if err != nil {
					return nil, err
				}
				rects = append(rects, rc)
			case "off_limits":
				offLimits++
			case "rectangle":
				if offLimits == 0 {
					continue
				}
				rc, err := rectAttrs(el, CellOffLimits)
				if err != nil {
					return nil, err
				}
				rects = append(rects, rc)
			}
		case xml.EndElement:
			if el.Name.Local == "off_limits" && offLimits > 0 {
				offLimits--
			}
		}
	}
	if !haveSite {
		return nil, errors.New("missing <site> element")
	}
	site, err := NewSite(width, height)
	if err != nil {
		return nil, err
	}
	// walls and lintels first so off-limits areas cannot overwrite them
	for _, rc := range rects {
		if rc.kind != CellOffLimits {
			site.Mark(rc.kind, rc.x, rc.y, rc.width, rc.height)
		}
	}
	for _, rc := range rects {
		if rc.kind == CellOffLimits {
			site.Mark(rc.kind, rc.x, rc.y, rc.width, rc.height)
		}
	}
	return site, nil
}

func rectAttrs(el xml.StartElement, kind CellKind) (rect, error) {
	rc := rect{kind: kind}
	var err error
	for _, f := range []struct {
		name string
		dst  *int
	}{{"x", &rc.x}, {"y", &rc.y}, {"width", &rc.width}, {"height", &rc.height}} {
		if *f.dst, err = intAttr(el, f.name); err != nil {
			return rect{}, err
		}
	}
	return rc, nil
}

// attributes are written as floats by some generators ("12.0")
func intAttr(el xml.StartElement, name string) (int, error) {
	for _, attr := range el.Attr {
		if attr.Name.Local != name {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(attr.Value), 64)
		if err != nil {
			return 0, fmt.Errorf("<%s %s=%q>: %w", el.Name.Local, name, attr.Value, err)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("<%s> missing attribute %s", el.Name.Local, name)
}
