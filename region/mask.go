package region

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math/bits"
)

// Mask is a binary occupancy bitmap produced by a segmentation step or drawn
// by the user. It is not modified after construction by its producer.
type Mask struct {
	Width  int
	Height int
	words  []uint64
}

// NewMask returns an empty mask of the given size.
func NewMask(width, height int) *Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Mask{
		Width:  width,
		Height: height,
		words:  make([]uint64, (width*height+63)/64),
	}
}

// Set marks the pixel at (x, y). Out-of-range coordinates are ignored.
func (m *Mask) Set(x, y int, occupied bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	i := y*m.Width + x
	if occupied {
		m.words[i/64] |= 1 << (i % 64)
	} else {
		m.words[i/64] &^= 1 << (i % 64)
	}
}

// Fill marks every pixel of r that lies inside the mask.
func (m *Mask) Fill(r image.Rectangle) {
	r = r.Intersect(image.Rect(0, 0, m.Width, m.Height))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y, true)
		}
	}
}

// Occupied reports whether (x, y) is part of the selection.
func (m *Mask) Occupied(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	i := y*m.Width + x
	return m.words[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of occupied pixels.
func (m *Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// MaskFromImage builds a mask from a selection image: a pixel is occupied
// when both its alpha and its luminance exceed threshold. This accepts white
// strokes on black as well as opaque strokes on a transparent canvas.
func MaskFromImage(img image.Image, threshold uint8) *Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			_, _, _, a := c.RGBA()
			if uint8(a>>8) <= threshold {
				continue
			}
			if color.GrayModel.Convert(c).(color.Gray).Y <= threshold {
				continue
			}
			m.Set(x-b.Min.X, y-b.Min.Y, true)
		}
	}
	return m
}

type maskJSON struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Words  []uint64 `json:"words"`
}

func (m *Mask) MarshalJSON() ([]byte, error) {
	return json.Marshal(maskJSON{Width: m.Width, Height: m.Height, Words: m.words})
}

func (m *Mask) UnmarshalJSON(data []byte) error {
	var v maskJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Width < 0 || v.Height < 0 || len(v.Words) != (v.Width*v.Height+63)/64 {
		return fmt.Errorf("mask of %dx%d cannot hold %d words", v.Width, v.Height, len(v.Words))
	}
	m.Width, m.Height, m.words = v.Width, v.Height, v.Words
	return nil
}

// Segmenter produces a mask for the object described by hint.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, hint string) (*Mask, error)
}
