package detection

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
)

const (
	boxThickness    = 3
	annotateQuality = 90
)

var boxColor = color.RGBA{R: 255, G: 32, B: 32, A: 255}

// Annotate decodes a JPEG, outlines every result box and re-encodes it.
// The input slice is not modified.
func Annotate(data []byte, results []Result) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode jpeg: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	for _, r := range results {
		rect := pixelRect(r.Box).Add(bounds.Min).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		outline(canvas, rect)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: annotateQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func pixelRect(b Box) image.Rectangle {
	return image.Rect(
		int(math.Floor(math.Min(b.X1, b.X2))),
		int(math.Floor(math.Min(b.Y1, b.Y2))),
		int(math.Ceil(math.Max(b.X1, b.X2))),
		int(math.Ceil(math.Max(b.Y1, b.Y2))),
	)
}

func outline(img *image.RGBA, r image.Rectangle) {
	fill := image.NewUniform(boxColor)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}
