package camera

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
)

// Luminance warning thresholds on the 8-bit scale. The boundaries are
// strict: a mean of exactly 5 or 250 passes without warning.
const (
	luminanceDarkBelow   = 5
	luminanceBrightAbove = 250
)

// FrameReport is the outcome of validating a captured frame.
type FrameReport struct {
	Width         int
	Height        int
	MeanLuminance float64
	// Warning is non-empty for frames that decode fine but look
	// suspicious (near-black or blown-out). Such frames are still
	// accepted: night and overexposed scenes remain useful.
	Warning string
}

// ValidateFrame checks that a frame is a non-empty, decodable image
// with positive dimensions, and computes its mean luminance. An error
// means the frame must be discarded; a Warning means it is kept but
// worth logging.
func ValidateFrame(cameraID string, data []byte) (FrameReport, error) {
	if len(data) == 0 {
		return FrameReport{}, &CaptureError{
			CameraID: cameraID,
			Message:  "empty frame",
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return FrameReport{}, &CaptureError{
			CameraID: cameraID,
			Message:  "undecodable frame",
			Err:      err,
		}
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return FrameReport{}, &CaptureError{
			CameraID: cameraID,
			Message:  fmt.Sprintf("degenerate frame dimensions %dx%d", bounds.Dx(), bounds.Dy()),
		}
	}

	report := FrameReport{
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		MeanLuminance: meanLuminance(img),
	}

	switch {
	case report.MeanLuminance < luminanceDarkBelow:
		report.Warning = fmt.Sprintf("frame near-black (mean luminance %.1f)", report.MeanLuminance)
	case report.MeanLuminance > luminanceBrightAbove:
		report.Warning = fmt.Sprintf("frame blown out (mean luminance %.1f)", report.MeanLuminance)
	}

	return report, nil
}

// meanLuminance computes the Rec. 601 luma average on a subsampled
// grid. Sampling every few pixels keeps the cost negligible next to
// JPEG decode while staying within a fraction of a luma level of the
// exact mean.
func meanLuminance(img image.Image) float64 {
	bounds := img.Bounds()

	step := 4
	if bounds.Dx() < 64 || bounds.Dy() < 64 {
		step = 1
	}

	// Integer Rec. 601 coefficients (sum 256) keep a uniform gray
	// frame's mean exact, which the <5 / >250 boundaries rely on.
	var sum uint64
	var n uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += (77*uint64(r>>8) + 150*uint64(g>>8) + 29*uint64(b>>8)) >> 8
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}
