package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	"pkt.systems/piclient/schema"
)

// Decode decodes one encoded still image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", schema.ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrDecode, err)
	}
	return img, nil
}

// Layout describes how sub-images are placed in the composite.
type Layout struct {
	Width  int
	Height int
	// Ragged is set when sub-image widths differ; narrower images are
	// left-aligned and the remaining columns stay transparent.
	Ragged bool
}

// Measure computes the composite layout for the given images.
func Measure(images []image.Image) Layout {
	var layout Layout
	for i, img := range images {
		b := img.Bounds()
		if i > 0 && b.Dx() != layout.Width {
			layout.Ragged = true
		}
		if b.Dx() > layout.Width {
			layout.Width = b.Dx()
		}
		layout.Height += b.Dy()
	}
	return layout
}

// Compose stacks images vertically in order into one RGBA bitmap whose width
// is the widest image and whose height is the sum of all heights.
func Compose(images []image.Image) *image.RGBA {
	layout := Measure(images)
	out := image.NewRGBA(image.Rect(0, 0, layout.Width, layout.Height))
	top := 0
	for _, img := range images {
		b := img.Bounds()
		dst := image.Rect(0, top, b.Dx(), top+b.Dy())
		draw.Draw(out, dst, img, b.Min, draw.Src)
		top += b.Dy()
	}
	return out
}

// Assemble parses, decodes and composes one frame payload.
func Assemble(payload []byte) (*image.RGBA, Layout, error) {
	records, err := Parse(payload)
	if err != nil {
		return nil, Layout{}, err
	}
	images := make([]image.Image, 0, len(records))
	for i, record := range records {
		img, err := Decode(record)
		if err != nil {
			return nil, Layout{}, fmt.Errorf("sub-image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return Compose(images), Measure(images), nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeImages PNG-encodes the images and writes them as one frame.
func EncodeImages(w io.Writer, images [schema.SubImagesPerFrame]image.Image) error {
	var records [schema.SubImagesPerFrame][]byte
	for i, img := range images {
		data, err := EncodePNG(img)
		if err != nil {
			return err
		}
		records[i] = data
	}
	return Encode(w, records)
}

// Solid returns a w×h image filled with c.
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
