package engine

import (
	"bytes"
	"image"
	"image/jpeg"
	"strings"
)

// rawPixelsToJPEG encodes decompressed PDF image samples as a quality-85 JPEG.
// DeviceGray and DeviceRGB samples are supported, with or without PNG
// predictor bytes (one filter byte per row). Returns nil when the sample
// count does not fit the dimensions.
func rawPixelsToJPEG(data []byte, width, height int, colorSpace string) []byte {
	if width <= 0 || height <= 0 {
		return nil
	}
	bpp := 3
	if strings.Contains(colorSpace, "Gray") {
		bpp = 1
	}
	rowBytes := width * bpp
	plain := rowBytes * height
	predicted := (rowBytes + 1) * height

	pixels := data
	switch {
	case len(data) == predicted && len(data) != plain:
		pixels = unfilterPNGRows(data, rowBytes, height, bpp)
	case len(data) < plain:
		return nil
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := pixels[y*rowBytes : (y+1)*rowBytes]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			if bpp == 1 {
				g := src[x]
				dst[4*x], dst[4*x+1], dst[4*x+2] = g, g, g
			} else {
				dst[4*x], dst[4*x+1], dst[4*x+2] = src[3*x], src[3*x+1], src[3*x+2]
			}
			dst[4*x+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil
	}
	return buf.Bytes()
}

// unfilterPNGRows reverses PNG row filters (None, Sub, Up, Average, Paeth).
func unfilterPNGRows(data []byte, rowBytes, height, bpp int) []byte {
	out := make([]byte, rowBytes*height)
	prev := make([]byte, rowBytes) // zero row above the first
	for y := 0; y < height; y++ {
		src := data[y*(rowBytes+1) : (y+1)*(rowBytes+1)]
		filter, in := src[0], src[1:]
		cur := out[y*rowBytes : (y+1)*rowBytes]
		for i := 0; i < rowBytes; i++ {
			var left, upLeft byte
			if i >= bpp {
				left = cur[i-bpp]
				upLeft = prev[i-bpp]
			}
			up := prev[i]
			switch filter {
			case 1:
				cur[i] = in[i] + left
			case 2:
				cur[i] = in[i] + up
			case 3:
				cur[i] = in[i] + byte((int(left)+int(up))/2)
			case 4:
				cur[i] = in[i] + paeth(left, up, upLeft)
			default:
				cur[i] = in[i]
			}
		}
		prev = cur
	}
	return out
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
