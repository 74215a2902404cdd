package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ShapeType discriminates the shape union on the wire.
type ShapeType string

const (
	ShapePath       ShapeType = "path"
	ShapeRectangle  ShapeType = "rectangle"
	ShapeText       ShapeType = "text"
	ShapeStickyNote ShapeType = "sticky-note"
)

// Point is a single canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ShapeMeta holds the fields shared by every shape variant. Ids are opaque
// strings generated by the authoring party; within a session an id is never
// reused, even after the shape is erased.
type ShapeMeta struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Shape is one drawable element on the canvas. Concrete variants are Path,
// Rectangle, Text and StickyNote.
type Shape interface {
	Meta() ShapeMeta
	Type() ShapeType
	// Validate reports ErrInvalidShape for empty ids or non-finite geometry.
	Validate() error
}

// Path is a freehand stroke: an ordered point sequence with stroke style.
type Path struct {
	ShapeMeta
	Points      []Point `json:"points"`
	StrokeColor string  `json:"stroke_color"`
	StrokeWidth float64 `json:"stroke_width"`
}

// Rectangle is an axis-aligned filled rectangle.
type Rectangle struct {
	ShapeMeta
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Fill   string  `json:"fill"`
}

// Text is an editable text block.
type Text struct {
	ShapeMeta
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Content  string  `json:"text"`
	FontSize float64 `json:"font_size"`
	Editing  bool    `json:"editing,omitempty"`
}

// StickyNote is a Text with a background fill.
type StickyNote struct {
	ShapeMeta
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Content  string  `json:"text"`
	FontSize float64 `json:"font_size"`
	Fill     string  `json:"fill"`
	Editing  bool    `json:"editing,omitempty"`
}

func (p *Path) Meta() ShapeMeta       { return p.ShapeMeta }
func (r *Rectangle) Meta() ShapeMeta  { return r.ShapeMeta }
func (t *Text) Meta() ShapeMeta       { return t.ShapeMeta }
func (s *StickyNote) Meta() ShapeMeta { return s.ShapeMeta }

func (p *Path) Type() ShapeType       { return ShapePath }
func (r *Rectangle) Type() ShapeType  { return ShapeRectangle }
func (t *Text) Type() ShapeType       { return ShapeText }
func (s *StickyNote) Type() ShapeType { return ShapeStickyNote }

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (m ShapeMeta) validateMeta() error {
	if m.ID == "" {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "empty shape id")
	}
	return nil
}

func (p *Path) Validate() error {
	if err := p.validateMeta(); err != nil {
		return err
	}
	if len(p.Points) == 0 {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "path has no points")
	}
	for _, pt := range p.Points {
		if !finite(pt.X, pt.Y) {
			return NewDomainError("Shape.Validate", ErrInvalidShape, "non-finite path point")
		}
	}
	if !finite(p.StrokeWidth) || p.StrokeWidth < 0 {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "bad stroke width")
	}
	return nil
}

func (r *Rectangle) Validate() error {
	if err := r.validateMeta(); err != nil {
		return err
	}
	if !finite(r.X, r.Y, r.Width, r.Height) {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "non-finite rectangle geometry")
	}
	return nil
}

func (t *Text) Validate() error {
	if err := t.validateMeta(); err != nil {
		return err
	}
	if !finite(t.X, t.Y, t.Width, t.Height, t.FontSize) {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "non-finite text geometry")
	}
	return nil
}

func (s *StickyNote) Validate() error {
	if err := s.validateMeta(); err != nil {
		return err
	}
	if !finite(s.X, s.Y, s.Width, s.Height, s.FontSize) {
		return NewDomainError("Shape.Validate", ErrInvalidShape, "non-finite sticky note geometry")
	}
	return nil
}

// MarshalShape encodes a shape with its discriminating type tag spliced in.
func MarshalShape(s Shape) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"], _ = json.Marshal(s.Type())
	return json.Marshal(m)
}

// UnmarshalShape decodes a tagged shape. Unknown tags fail with
// ErrInvalidShape.
func UnmarshalShape(data []byte) (Shape, error) {
	var env struct {
		Type ShapeType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewDomainError("Shape.Unmarshal", ErrInvalidShape, err.Error())
	}
	var s Shape
	switch env.Type {
	case ShapePath:
		s = &Path{}
	case ShapeRectangle:
		s = &Rectangle{}
	case ShapeText:
		s = &Text{}
	case ShapeStickyNote:
		s = &StickyNote{}
	default:
		return nil, NewDomainError("Shape.Unmarshal", ErrInvalidShape,
			fmt.Sprintf("unknown shape type %q", env.Type))
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, NewDomainError("Shape.Unmarshal", ErrInvalidShape, err.Error())
	}
	return s, nil
}

// MarshalCanvas encodes an ordered canvas as a JSON array of tagged shapes.
func MarshalCanvas(canvas []Shape) ([]byte, error) {
	parts := make([]json.RawMessage, len(canvas))
	for i, s := range canvas {
		raw, err := MarshalShape(s)
		if err != nil {
			return nil, err
		}
		parts[i] = raw
	}
	return json.Marshal(parts)
}

// UnmarshalCanvas decodes a JSON array of tagged shapes, preserving order.
func UnmarshalCanvas(data []byte) ([]Shape, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, NewDomainError("Canvas.Unmarshal", ErrInvalidShape, err.Error())
	}
	canvas := make([]Shape, len(parts))
	for i, raw := range parts {
		s, err := UnmarshalShape(raw)
		if err != nil {
			return nil, err
		}
		canvas[i] = s
	}
	return canvas, nil
}
