package transform

import (
	"github.com/pkg/errors"

	"go.viam.com/dso/rimage"
)

// Calibration is the immutable per-run camera model: intrinsics, optional lens distortion,
// and the photometric response and vignette. Every engine component reads it; nothing mutates it.
type Calibration struct {
	intrinsics  *PinholeCameraIntrinsics
	distortion  Distorter
	response    *PhotometricResponse
	vignette    *Vignette
	photometric bool
	levels      []LevelIntrinsics
}

// NewCalibration validates and bundles a camera model. distortion, response and vignette may be
// nil. A nil response with a vignette uses the linear response.
func NewCalibration(
	intrinsics *PinholeCameraIntrinsics,
	distortion Distorter,
	response *PhotometricResponse,
	vignette *Vignette,
) (*Calibration, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if distortion != nil {
		if err := distortion.CheckValid(); err != nil {
			return nil, err
		}
	}
	if vignette != nil && (vignette.width != intrinsics.Width || vignette.height != intrinsics.Height) {
		return nil, errors.Errorf("vignette size %dx%d does not match intrinsics %dx%d",
			vignette.width, vignette.height, intrinsics.Width, intrinsics.Height)
	}
	if response == nil && vignette != nil {
		response = LinearResponse()
	}
	return &Calibration{
		intrinsics:  intrinsics,
		distortion:  distortion,
		response:    response,
		vignette:    vignette,
		photometric: response != nil,
		levels:      intrinsics.Levels(intrinsics.NumPyramidLevels()),
	}, nil
}

// WithoutPhotometric returns a copy that ignores the response and vignette and reports unit
// exposure for every frame.
func (c *Calibration) WithoutPhotometric() *Calibration {
	cp := *c
	cp.photometric = false
	return &cp
}

// Intrinsics returns the level 0 intrinsics.
func (c *Calibration) Intrinsics() *PinholeCameraIntrinsics {
	return c.intrinsics
}

// Photometric reports whether photometric correction is applied.
func (c *Calibration) Photometric() bool {
	return c.photometric
}

// NumLevels returns the pyramid depth for this camera.
func (c *Calibration) NumLevels() int {
	return len(c.levels)
}

// Level returns the intrinsics of pyramid level lvl.
func (c *Calibration) Level(lvl int) LevelIntrinsics {
	return c.levels[lvl]
}

// Undistort turns a raw image into the irradiance image the engine works on and returns the
// exposure to associate with it. Raw values are expected in [0, 255].
func (c *Calibration) Undistort(raw *rimage.FloatImage, exposure float64) (*rimage.FloatImage, float64, error) {
	w, h := c.intrinsics.Width, c.intrinsics.Height
	if raw.Width() != w || raw.Height() != h {
		return nil, 0, errors.Errorf("img dimension and intrinsics don't match Image(%d,%d) != Intrinsics(%d,%d)",
			raw.Width(), raw.Height(), w, h)
	}
	irr := raw.Clone()
	if c.photometric {
		data := irr.Data()
		for i, v := range data {
			g := c.response.Irradiance(float64(v))
			if c.vignette != nil {
				g *= float64(c.vignette.inv[i])
			}
			data[i] = float32(g)
		}
	} else {
		exposure = 1
	}
	if exposure < 0 {
		exposure = 0
	}
	if c.distortion == nil {
		return irr, exposure, nil
	}

	out := rimage.NewFloatImage(w, h)
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			x := (float64(u) - c.intrinsics.Ppx) / c.intrinsics.Fx
			y := (float64(v) - c.intrinsics.Ppy) / c.intrinsics.Fy
			x, y = c.distortion.Transform(x, y)
			val, ok := irr.Bilinear(x*c.intrinsics.Fx+c.intrinsics.Ppx, y*c.intrinsics.Fy+c.intrinsics.Ppy)
			if ok {
				out.Set(u, v, float32(val))
			}
		}
	}
	return out, exposure, nil
}

// NewPyramid builds the image pyramid of an undistorted image.
func (c *Calibration) NewPyramid(img *rimage.FloatImage) (*rimage.Pyramid, error) {
	return rimage.NewPyramid(img, c.NumLevels())
}
