package model

import (
	"image"
	"image/color"

	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/nfnt/resize"
)

// Channels is the number of colour channels fed to every model (RGB).
const Channels = 3

// Resize scales img to size×size with bicubic interpolation. Aspect ratio
// is not preserved and nothing is cropped. An image already at the target
// size is returned unchanged.
func Resize(img image.Image, size int) image.Image {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}
	return resize.Resize(uint(size), uint(size), img, resize.Bicubic)
}

// ToRGB flattens img to an opaque RGB raster. Colour is taken
// non-premultiplied and alpha is discarded, so transparent pixels keep
// their colour through the resize that follows.
func ToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// Preprocess turns an arbitrary image into one model input batch of shape
// (1, size, size, 3) for NHWC or (1, 3, size, size) for NCHW. Values stay in
// the raw 0-255 range.
func Preprocess(img image.Image, size int, layout string) []float32 {
	return toTensor(Resize(ToRGB(img), size), layout)
}

func toTensor(img image.Image, layout string) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, Channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r32, g32, b32, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r, g, b := float32(r32>>8), float32(g32>>8), float32(b32>>8)

			pixelIndex := y*width + x
			if layout == config.LayoutNCHW {
				data[pixelIndex] = r
				data[plane+pixelIndex] = g
				data[2*plane+pixelIndex] = b
				continue
			}
			data[pixelIndex*Channels] = r
			data[pixelIndex*Channels+1] = g
			data[pixelIndex*Channels+2] = b
		}
	}

	return data
}

// InputShape is the batch shape for the given geometry.
func InputShape(size int, layout string) []int64 {
	s := int64(size)
	if layout == config.LayoutNCHW {
		return []int64{1, Channels, s, s}
	}
	return []int64{1, s, s, Channels}
}
