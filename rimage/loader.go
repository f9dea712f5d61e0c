package rimage

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ReadFloatImageFromFile decodes an image file into luminance values. When width and height are
// positive and differ from the decoded size, the image is resampled to that size.
func ReadFloatImageFromFile(path string, width, height int) (*FloatImage, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", path)
	}
	return fitFloatImage(img, width, height), nil
}

// fitFloatImage converts img, resampling with a Lanczos filter when the target size differs.
func fitFloatImage(img image.Image, width, height int) *FloatImage {
	b := img.Bounds()
	if width > 0 && height > 0 && (b.Dx() != width || b.Dy() != height) {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return NewFloatImageFromStdImage(img)
}

// WriteFloatImageToFile encodes the image clamped to 8 bits, picking the format from the file
// extension.
func WriteFloatImageToFile(path string, f *FloatImage) error {
	return errors.Wrapf(imaging.Save(f.ToGray(), path), "cannot save image %q", path)
}
