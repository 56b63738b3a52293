// Package phash computes a cheap perceptual hash used to deduplicate
// near-identical consecutive screenshots (spec §4.5 step 3). No
// perceptual-hash library exists anywhere in the retrieval pack; this is
// the one justified stdlib fallback in the capture component, built
// directly on image/math-bits with nfnt/resize doing the downscale.
package phash

import (
	"image"
	"image/color"
	"math/bits"

	"github.com/nfnt/resize"
)

const hashSize = 8

// Average computes an 8x8 average hash of img: downscale to 8x8
// grayscale, set bit i if pixel i is at or above the mean, pack into a
// uint64. Operates directly on the in-memory image.Image — never writes
// to disk first (spec §4.5 step 3).
func Average(img image.Image) uint64 {
	small := resize.Resize(hashSize, hashSize, img, resize.Lanczos3)

	var pixels [hashSize * hashSize]uint8
	var sum int
	i := 0
	bounds := small.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(small.At(x, y)).(color.Gray)
			pixels[i] = gray.Y
			sum += int(gray.Y)
			i++
		}
	}

	mean := uint8(sum / len(pixels))

	var hash uint64
	for idx, p := range pixels {
		if p >= mean {
			hash |= 1 << uint(idx)
		}
	}
	return hash
}

// HammingDistance returns the number of differing bits between two
// hashes — the dissimilarity score compared against
// jobs.recorder.params.hash_threshold.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
