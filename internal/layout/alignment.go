package layout

import (
	"encoding/json"
	"fmt"

	"omr-scanner/internal/anchor"
	"omr-scanner/pkg/geometry"
)

// AlignmentPoints records where the anchor squares were printed. In JSON the
// named points sit beside the scalar size fields in one object.
type AlignmentPoints struct {
	Points     map[anchor.Name]geometry.Point2D
	Size       float64
	PageWidth  float64
	PageHeight float64
}

const (
	keySize       = "size"
	keyPageWidth  = "page_width"
	keyPageHeight = "page_height"
)

// MarshalJSON flattens the named points and scalars into one object.
func (a AlignmentPoints) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Points)+3)
	for name, p := range a.Points {
		out[string(name)] = p
	}
	out[keySize] = a.Size
	if a.PageWidth > 0 {
		out[keyPageWidth] = a.PageWidth
	}
	if a.PageHeight > 0 {
		out[keyPageHeight] = a.PageHeight
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened form written by MarshalJSON.
func (a *AlignmentPoints) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	points := make(map[anchor.Name]geometry.Point2D, 4)
	var size, width, height float64
	for key, val := range raw {
		var err error
		switch key {
		case keySize:
			err = json.Unmarshal(val, &size)
		case keyPageWidth:
			err = json.Unmarshal(val, &width)
		case keyPageHeight:
			err = json.Unmarshal(val, &height)
		default:
			name, perr := anchor.ParseName(key)
			if perr != nil {
				return fmt.Errorf("alignment_points: %w", perr)
			}
			var p geometry.Point2D
			err = json.Unmarshal(val, &p)
			points[name] = p
		}
		if err != nil {
			return fmt.Errorf("alignment_points.%s: %w", key, err)
		}
	}
	*a = AlignmentPoints{Points: points, Size: size, PageWidth: width, PageHeight: height}
	return nil
}

// Anchors returns the alignment points as anchors, the positions a perfectly
// printed and scanned sheet would report.
func (a AlignmentPoints) Anchors() map[anchor.Name]anchor.Anchor {
	out := make(map[anchor.Name]anchor.Anchor, len(a.Points))
	for name, p := range a.Points {
		out[name] = anchor.Anchor{
			Name:   name,
			X:      int(p.X),
			Y:      int(p.Y),
			Width:  int(a.Size),
			Height: int(a.Size),
		}
	}
	return out
}
