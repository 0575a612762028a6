// Package region derives a padded, clamped bounding box from a selection mask
// and crops the source image to it.
package region

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultPadding is the fraction of the tight box added on each side.
const DefaultPadding = 0.20

// Selections covering less or more than these fractions of the image are
// flagged as suspect. Extraction still proceeds.
const (
	MinCoverage = 0.05
	MaxCoverage = 0.90
)

var (
	ErrInvalidSelection = errors.New("selection is empty")
	ErrMaskMismatch     = errors.New("mask size does not match image")
)

// ContextMode selects which pixels of the padded box end up in the crop.
type ContextMode int

const (
	// FullRegion keeps every pixel inside the box so the model sees the
	// surroundings of the selected object.
	FullRegion ContextMode = iota
	// MaskOnly clears pixels outside the mask to transparent.
	MaskOnly
)

func (m ContextMode) String() string {
	switch m {
	case FullRegion:
		return "full"
	case MaskOnly:
		return "mask"
	default:
		return fmt.Sprintf("ContextMode(%d)", int(m))
	}
}

// ParseContextMode parses "full" or "mask". The empty string means full.
func ParseContextMode(value string) (ContextMode, error) {
	switch value {
	case "", "full":
		return FullRegion, nil
	case "mask":
		return MaskOnly, nil
	default:
		return FullRegion, fmt.Errorf("unknown context mode %q", value)
	}
}

// Region is a rectangle in source image pixel coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns the region as an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Advisory flags a selection whose size looks unintended.
type Advisory string

const (
	AdvisoryNone     Advisory = ""
	AdvisoryTooSmall Advisory = "too_small"
	AdvisoryTooLarge Advisory = "too_large"
)

// Result is the outcome of Extract.
type Result struct {
	Region   Region
	Image    *image.NRGBA
	Occupied int
	Coverage float64
	Advisory Advisory
}

// Suspect reports whether the selection size was flagged.
func (r *Result) Suspect() bool {
	return r.Advisory != AdvisoryNone
}

// Bounds returns the tight box around occupied pixels, found in one pass.
func Bounds(mask *Mask) (image.Rectangle, error) {
	minX, minY := mask.Width, mask.Height
	maxX, maxY := -1, -1
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if !mask.Occupied(x, y) {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, ErrInvalidSelection
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// Pad grows tight by padding times its width and height on each side, then
// clamps each edge to the image independently.
func Pad(tight image.Rectangle, padding float64, width, height int) Region {
	if padding < 0 || math.IsNaN(padding) {
		padding = 0
	}
	padX := int(math.Round(padding * float64(tight.Dx())))
	padY := int(math.Round(padding * float64(tight.Dy())))

	x0 := clamp(tight.Min.X-padX, 0, width)
	y0 := clamp(tight.Min.Y-padY, 0, height)
	x1 := clamp(tight.Max.X+padX, 0, width)
	y1 := clamp(tight.Max.Y+padY, 0, height)
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Extract computes the padded region for mask and crops img to it. The mask
// must have the same dimensions as img.
func Extract(img image.Image, mask *Mask, padding float64, mode ContextMode) (*Result, error) {
	if mask == nil {
		return nil, ErrInvalidSelection
	}
	b := img.Bounds()
	if mask.Width != b.Dx() || mask.Height != b.Dy() {
		return nil, fmt.Errorf("%w: mask %dx%d, image %dx%d",
			ErrMaskMismatch, mask.Width, mask.Height, b.Dx(), b.Dy())
	}
	occupied := mask.Count()
	if occupied == 0 {
		return nil, ErrInvalidSelection
	}
	tight, err := Bounds(mask)
	if err != nil {
		return nil, err
	}
	region := Pad(tight, padding, b.Dx(), b.Dy())

	cropped := imaging.Crop(img, region.Rect().Add(b.Min))
	if mode == MaskOnly {
		for y := 0; y < region.Height; y++ {
			for x := 0; x < region.Width; x++ {
				if !mask.Occupied(region.X+x, region.Y+y) {
					cropped.SetNRGBA(x, y, color.NRGBA{})
				}
			}
		}
	}

	coverage := float64(occupied) / float64(b.Dx()*b.Dy())
	advisory := AdvisoryNone
	switch {
	case coverage < MinCoverage:
		advisory = AdvisoryTooSmall
	case coverage > MaxCoverage:
		advisory = AdvisoryTooLarge
	}
	return &Result{
		Region:   region,
		Image:    cropped,
		Occupied: occupied,
		Coverage: coverage,
		Advisory: advisory,
	}, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
