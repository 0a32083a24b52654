// Package imagehash computes fixed-width visual fingerprints of screen
// regions and compares them by Hamming distance. Two interchangeable
// algorithms are supported: a perceptual (DCT) hash, robust to compression
// and lighting shifts, and a cheaper average hash.
package imagehash

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
)

// Method selects the fingerprint algorithm.
type Method string

const (
	MethodPHash Method = "phash"
	MethodAHash Method = "ahash"
	MethodNone  Method = "none"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodPHash, MethodAHash, MethodNone:
		return true
	}
	return false
}

// Fingerprint is a 64-bit visual hash.
type Fingerprint uint64

// Hex renders the fingerprint as a fixed-width lowercase hex string, the
// on-disk representation used in cache files.
func (f Fingerprint) Hex() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// ParseHex parses the on-disk hex form back into a Fingerprint.
func ParseHex(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Distance is the Hamming distance between two fingerprints: the count of
// differing bits, in [0, 64]. A fingerprint compared to itself is 0.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}

// Compute fingerprints an image with the given method.
func Compute(img image.Image, method Method) (Fingerprint, error) {
	var (
		h   *goimagehash.ImageHash
		err error
	)
	switch method {
	case MethodPHash:
		h, err = goimagehash.PerceptionHash(img)
	case MethodAHash:
		h, err = goimagehash.AverageHash(img)
	case MethodNone:
		return 0, fmt.Errorf("cannot compute fingerprint with method %q", method)
	default:
		return 0, fmt.Errorf("unknown fingerprint method %q", method)
	}
	if err != nil {
		return 0, fmt.Errorf("%s computation failed: %w", method, err)
	}
	return Fingerprint(h.GetHash()), nil
}

// Decode parses raw encoded image bytes (PNG or JPEG).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// CropAround extracts a deterministic square region of the given side length
// centered on (x, y), clamped to the image bounds. A non-positive side, or a
// side covering the whole image, returns the image unchanged.
func CropAround(img image.Image, x, y, side int) image.Image {
	b := img.Bounds()
	if side <= 0 || (side >= b.Dx() && side >= b.Dy()) {
		return img
	}

	half := side / 2
	x0 := x - half
	y0 := y - half

	// Clamp the window so it stays inside the frame while keeping its size.
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	if y0 < b.Min.Y {
		y0 = b.Min.Y
	}
	if x0+side > b.Max.X {
		x0 = b.Max.X - side
	}
	if y0+side > b.Max.Y {
		y0 = b.Max.Y - side
	}
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	if y0 < b.Min.Y {
		y0 = b.Min.Y
	}
	x1 := min(x0+side, b.Max.X)
	y1 := min(y0+side, b.Max.Y)

	rect := image.Rect(x0, y0, x1, y1)
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}

	// Fallback for exotic image types without SubImage support.
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for dy := 0; dy < rect.Dy(); dy++ {
		for dx := 0; dx < rect.Dx(); dx++ {
			out.Set(dx, dy, img.At(x0+dx, y0+dy))
		}
	}
	return out
}

// FingerprintRegion decodes a raw screenshot, crops the square region around
// the coordinate and fingerprints it. A nil coordinate hashes the whole
// frame.
func FingerprintRegion(data []byte, x, y *int, side int, method Method) (Fingerprint, error) {
	img, err := Decode(data)
	if err != nil {
		return 0, err
	}
	if x != nil && y != nil {
		img = CropAround(img, *x, *y, side)
	}
	return Compute(img, method)
}
